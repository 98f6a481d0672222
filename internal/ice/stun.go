package ice

import (
	"fmt"

	"github.com/lanikai/meshconn/internal/stun"
)

// buildBindingRequest constructs a connectivity-check Binding request per
// [RFC8445 §7.2.2]: USERNAME of "<remote-frag>:<local-frag>", PRIORITY set
// to the peer-reflexive priority this candidate would carry, an
// ICE-CONTROLLED/ICE-CONTROLLING role attribute, USE-CANDIDATE when
// nominating, and a trailing MESSAGE-INTEGRITY + FINGERPRINT.
func buildBindingRequest(localUfrag, remoteUfrag, remotePassword string, priority uint32, controlling bool, tiebreaker uint64, useCandidate bool) *stun.Message {
	m := stun.New(stun.Request, stun.MethodBinding)
	m.Add(stun.AttrUsername, []byte(remoteUfrag+":"+localUfrag))
	m.AddUint32(stun.AttrPriority, priority)
	if controlling {
		m.AddUint32(stun.AttrIceControlling, uint32(tiebreaker))
	} else {
		m.AddUint32(stun.AttrIceControlled, uint32(tiebreaker))
	}
	if useCandidate {
		m.Add(stun.AttrUseCandidate, nil)
	}
	m.AddMessageIntegrity([]byte(remotePassword))
	m.AddFingerprint()
	return m
}

// buildBindingResponse constructs a success response to an inbound Binding
// request, echoing the transaction ID and carrying the request's observed
// source address as XOR-MAPPED-ADDRESS.
func buildBindingResponse(req *stun.Message, mapped TransportAddress, localPassword string) *stun.Message {
	m := &stun.Message{Class: stun.SuccessResponse, Method: stun.MethodBinding, TransactionID: req.TransactionID}
	m.AddXorAddress(stun.AttrXorMappedAddress, mapped.UDPAddr())
	m.AddMessageIntegrity([]byte(localPassword))
	m.AddFingerprint()
	return m
}

// verifyBindingRequest validates an inbound Binding request against the
// local ufrag/password, per [RFC8445 §7.3.1.1-2]. It returns the remote's
// USE-CANDIDATE flag and PRIORITY attribute.
func verifyBindingRequest(m *stun.Message, localUfrag, localPassword string) (useCandidate bool, priority uint32, err error) {
	if m.Class != stun.Request || m.Method != stun.MethodBinding {
		return false, 0, fmt.Errorf("ice: not a binding request")
	}
	uname, ok := m.Get(stun.AttrUsername)
	if !ok {
		return false, 0, errSTUNUnknownAttribute
	}
	want := localUfrag + ":"
	if len(uname.Value) < len(want) || string(uname.Value[:len(want)]) != want {
		return false, 0, fmt.Errorf("ice: username does not match local ufrag")
	}
	if !m.VerifyMessageIntegrity([]byte(localPassword)) {
		return false, 0, errSTUNIntegrityFailed
	}
	_, useCandidate = m.Get(stun.AttrUseCandidate)
	priority, _ = m.GetUint32(stun.AttrPriority)
	return useCandidate, priority, nil
}

// verifyBindingResponse validates a success response to a check this agent
// sent, matching MESSAGE-INTEGRITY against the password used on the
// original request.
func verifyBindingResponse(m *stun.Message, remotePassword string) error {
	if m.Class == stun.ErrorResponse {
		return fmt.Errorf("ice: peer rejected binding request")
	}
	if m.Class != stun.SuccessResponse {
		return fmt.Errorf("ice: unexpected STUN class %s", m.Class)
	}
	if !m.VerifyMessageIntegrity([]byte(remotePassword)) {
		return errSTUNIntegrityFailed
	}
	return nil
}
