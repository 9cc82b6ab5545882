// Package models holds the data types shared across the decoder and safety
// supervisor components: CAN frames, decoded signals, safety events and
// commands, and the processed-message envelope the router returns.
package models

import "time"

// Reserved transport-protocol PGNs (J1939/RV-C broadcast announce message).
const (
	PGNTransportControl  = 0xEC00 // TP.CM
	PGNTransportDataXfer = 0xEB00 // TP.DT

	// BAMControlByte identifies a Broadcast Announce Message on TP.CM;
	// other control bytes (RTS/CTS/EndOfMsgAck/ConnAbort) are out of scope.
	BAMControlByte = 0x20

	// RVCPGNMin and RVCPGNMax bound the RV-C-specific PGN range; PGNs
	// outside this range but within the J1939 18-bit space are J1939.
	RVCPGNMin = 0x1F000
	RVCPGNMax = 0x1FFFF

	// MaxPGN is the largest representable 18-bit Parameter Group Number.
	MaxPGN = 0x3FFFF
)

// CANFrame is an immutable view of one ingested CAN frame.
type CANFrame struct {
	ArbitrationID      uint32
	PGN                uint32
	SourceAddress      uint8
	DestinationAddress uint8
	Data               []byte
	Timestamp          time.Time
	Extended           bool
}

// ParseExtendedID derives the PGN and source address from a 29-bit extended
// arbitration identifier: PGN occupies bits [8:26], source address bits [0:8].
func ParseExtendedID(id uint32) (pgn uint32, source uint8) {
	pgn = (id >> 8) & 0x3FFFF
	source = uint8(id & 0xFF)
	return pgn, source
}

// NewCANFrame builds a frame from a raw extended arbitration id and payload,
// deriving PGN and source address per the J1939/RV-C wire layout.
func NewCANFrame(arbitrationID uint32, data []byte, ts time.Time) CANFrame {
	pgn, source := ParseExtendedID(arbitrationID)
	return CANFrame{
		ArbitrationID: arbitrationID,
		PGN:           pgn,
		SourceAddress: source,
		Data:          data,
		Timestamp:     ts,
		Extended:      true,
	}
}

// IsRVC reports whether pgn lies in the RV-C specific PGN range.
func IsRVC(pgn uint32) bool {
	return pgn >= RVCPGNMin && pgn <= RVCPGNMax
}

// IsTransportPGN reports whether pgn is one of the two BAM transport PGNs.
func IsTransportPGN(pgn uint32) bool {
	return pgn == PGNTransportControl || pgn == PGNTransportDataXfer
}
