package nseries

import (
	"fmt"

	"njlink/cip"
	"njlink/eip"
	"njlink/logging"
)

// rrSender is the one transport operation the protocol logic needs: send an
// unconnected request packet, get the reply packet.  eip.Client satisfies
// it; tests substitute a scripted fake.
type rrSender interface {
	SendRRData(packet eip.CommonPacket) (*eip.CommonPacket, error)
}

// transact runs one CIP service invocation over unconnected messaging and
// returns the reply.  A non-zero general status comes back as *cip.StatusError
// after the reply decodes structurally.
func transact(s rrSender, req cip.Request) (*cip.Reply, error) {
	reqData := req.Marshal()

	logging.DebugLog("nseries", "request: service=0x%02X path=%X dataLen=%d",
		req.Service, []byte(req.Path), len(req.Data))

	resp, err := s.SendRRData(eip.NewUnconnectedPacket(reqData))
	if err != nil {
		return nil, fmt.Errorf("transact: %w", err)
	}

	respData, err := resp.UnconnectedData()
	if err != nil {
		return nil, fmt.Errorf("transact: %w", err)
	}

	reply, err := cip.ParseReply(respData)
	if err != nil {
		return nil, fmt.Errorf("transact: %w", err)
	}

	logging.DebugLog("nseries", "reply: service=0x%02X status=0x%02X dataLen=%d",
		reply.Service, reply.GeneralStatus, len(reply.Data))

	if err := reply.Status(); err != nil {
		return nil, err
	}

	return reply, nil
}

// getAttributeAll reads the full attribute set of one object instance.
func getAttributeAll(s rrSender, class byte, instance uint16) ([]byte, error) {
	path, err := cip.EPath().ClassInstance(class, instance).Build()
	if err != nil {
		return nil, fmt.Errorf("getAttributeAll: %w", err)
	}

	reply, err := transact(s, cip.Request{Service: cip.SvcGetAttributeAll, Path: path})
	if err != nil {
		return nil, fmt.Errorf("getAttributeAll class=0x%02X instance=%d: %w", class, instance, err)
	}
	return reply.Data, nil
}
