package control

import "fmt"

// EncodeOK renders a successful connect reply: "ok:connect:<hh>".
func EncodeOK(channel int) []byte {
	return []byte(fmt.Sprintf("ok:connect:%s", hex2(channel)))
}

// EncodeUnknownService renders the reply sent when a connect names a
// service the registry doesn't recognize.
func EncodeUnknownService(channel int) []byte {
	return []byte(fmt.Sprintf("ko:connect:%s:unknown service", hex2(channel)))
}

// EncodeBusy renders the reply sent when a connect targets a service
// already at its client cap.
func EncodeBusy(channel int) []byte {
	return []byte(fmt.Sprintf("ko:connect:%s:service busy", hex2(channel)))
}

// EncodeUnknownCommand renders the catch-all reply for anything that isn't
// a recognized verb.
func EncodeUnknownCommand() []byte {
	return []byte("ko:unknown command")
}

// EncodeDisconnect renders the notice the multiplexer emits on channel 0
// when it unilaterally closes a serial client.
func EncodeDisconnect(channel int) []byte {
	return []byte(fmt.Sprintf("disconnect:%s", hex2(channel)))
}

func hex2(channel int) string {
	return fmt.Sprintf("%02x", channel&0xff)
}
