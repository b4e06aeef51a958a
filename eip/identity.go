package eip

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Identity is the parsed ListIdentity identity item.
type Identity struct {
	EncapsulationVersion uint16
	VendorID             uint16
	DeviceType           uint16
	ProductCode          uint16
	RevisionMajor        byte
	RevisionMinor        byte
	Status               uint16
	SerialNumber         uint32
	ProductName          string
	State                byte

	IP   net.IP
	Port uint16
}

// SendListIdentity asks the connected target to identify itself over TCP
// (command 0x63).  This is not broadcast discovery.  Usually returns one
// Identity record.
func (e *Client) SendListIdentity() ([]Identity, error) {
	payload, err := e.listCommand("SendListIdentity", ListIdentity)
	if err != nil {
		return nil, err
	}

	// TCP responses often carry 0.0.0.0 in the embedded socket address and
	// there is no UDP source to fall back on; vendor, type, product and name
	// still come through.
	idents, err := parseIdentityItems(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("SendListIdentity: parse payload: %w", err)
	}

	return idents, nil
}

// DiscoverIdentities broadcasts a ListIdentity request over UDP/44818 and
// collects replies until the timeout expires.
//
// broadcastIP can be "255.255.255.255" or a directed broadcast like
// "192.168.1.255".
func DiscoverIdentities(broadcastIP string, timeout time.Duration) ([]Identity, error) {
	ip := net.ParseIP(broadcastIP)
	if ip == nil {
		return nil, fmt.Errorf("DiscoverIdentities: invalid broadcast IP: %q", broadcastIP)
	}
	ip = ip.To4()
	if ip == nil {
		return nil, fmt.Errorf("DiscoverIdentities: broadcast IP must be IPv4: %q", broadcastIP)
	}

	uc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("DiscoverIdentities: ListenUDP: %w", err)
	}
	defer uc.Close()

	_ = uc.SetWriteBuffer(1 << 20)
	_ = uc.SetReadBuffer(1 << 20)

	// Discovery runs with session handle 0.
	req := Encap{Command: ListIdentity}

	raddr := &net.UDPAddr{IP: ip, Port: int(DefaultPort)}
	if _, err := uc.WriteToUDP(req.Bytes(), raddr); err != nil {
		return nil, fmt.Errorf("DiscoverIdentities: WriteToUDP: %w", err)
	}

	if err := uc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("DiscoverIdentities: SetReadDeadline: %w", err)
	}

	// Collect devices, deduped by (IP, serial).
	type key struct {
		ip     string
		serial uint32
	}
	seen := make(map[key]struct{})
	out := make([]Identity, 0, 8)

	buf := make([]byte, 4096)
	for {
		n, src, err := uc.ReadFromUDP(buf)
		if err != nil {
			// Timeout is expected; stop collecting.
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return nil, fmt.Errorf("DiscoverIdentities: ReadFromUDP: %w", err)
		}

		frame, err := ParseEncap(buf[:n])
		if err != nil {
			continue
		}
		if frame.Command != ListIdentity || frame.Status != 0 {
			continue
		}

		idents, err := parseIdentityItems(frame.Payload, src.IP)
		if err != nil {
			// Ignore malformed replies rather than failing discovery.
			continue
		}

		for _, id := range idents {
			k := key{ip: id.IP.String(), serial: id.SerialNumber}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, id)
		}
	}

	return out, nil
}

func parseIdentityItems(p []byte, fallbackIP net.IP) ([]Identity, error) {
	packet, err := ParseCommonPacket(p)
	if err != nil {
		return nil, err
	}

	idents := make([]Identity, 0, len(packet.Items))
	for _, item := range packet.Items {
		if item.TypeId != ItemListIdentityResponseId {
			continue
		}
		id, err := parseIdentityItemData(item.Data)
		if err != nil {
			return nil, err
		}
		// Fall back to the UDP source IP when the identity item has no
		// valid address of its own.
		if id.IP == nil || id.IP.To4() == nil || id.IP.Equal(net.IPv4zero) {
			id.IP = fallbackIP
		}
		idents = append(idents, id)
	}

	return idents, nil
}

func parseIdentityItemData(b []byte) (Identity, error) {
	// Fixed fields up through the product name length take 33 bytes.
	if len(b) < 33 {
		return Identity{}, fmt.Errorf("identity item too short: %d", len(b))
	}
	off := 0

	encapVer := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2

	// Socket address (16 bytes): family(2), port(2), addr(4), zero(8).
	// Port and address are network byte order.
	sock := b[off : off+16]
	off += 16

	port := binary.BigEndian.Uint16(sock[2:4])
	ip := net.IPv4(sock[4], sock[5], sock[6], sock[7])

	vendor := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	devType := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	prodCode := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2

	revMaj := b[off]
	revMin := b[off+1]
	off += 2

	status := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2

	serial := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4

	nameLen := int(b[off])
	off++

	if off+nameLen > len(b) {
		return Identity{}, fmt.Errorf("product name truncated: need %d bytes, have %d", nameLen, len(b)-off)
	}
	name := string(b[off : off+nameLen])
	off += nameLen

	if off >= len(b) {
		return Identity{}, fmt.Errorf("missing state byte")
	}
	state := b[off]

	return Identity{
		EncapsulationVersion: encapVer,
		VendorID:             vendor,
		DeviceType:           devType,
		ProductCode:          prodCode,
		RevisionMajor:        revMaj,
		RevisionMinor:        revMin,
		Status:               status,
		SerialNumber:         serial,
		ProductName:          name,
		State:                state,
		IP:                   ip,
		Port:                 port,
	}, nil
}
