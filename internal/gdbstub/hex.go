package gdbstub

import (
	"encoding/hex"
	"errors"
)

var (
	errShortRegisterPacket = errors.New("gdbstub: register packet too short")
	errUnknownRegister     = errors.New("gdbstub: unknown register number")
	errMalformedPacket     = errors.New("gdbstub: malformed packet")
)

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
