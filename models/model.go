package models

const (
	HeaderSize = 8
)

// Header frames every packet exchanged over a socket channel.
type Header struct {
	Magic   uint16
	Version uint16

	Code   uint16 // frame kind or status code
	Length uint16
}

const (
	CodeOpen  = uint16(1) // guest announces the channel protocol
	CodeData  = uint16(2) // payload frame, either direction
	CodeClose = uint16(3) // orderly shutdown
)
