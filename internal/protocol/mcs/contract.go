package mcs

// x224Conn is the data TPDU layer MCS PDUs are sent through. Received PDUs
// are handed to the Recv methods already stripped of their X.224 header.
type x224Conn interface {
	Send(pduData []byte) error
}
