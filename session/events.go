package session

// NotificationType enumerates what the session reports outward.
type NotificationType int

const (
	// ProgressUpdated fires on every scheduler tick.
	ProgressUpdated NotificationType = iota
	// PieceVerified fires when a piece passes hash verification.
	PieceVerified
	// PieceCorrupt fires when a completed piece fails verification and is
	// re-queued.
	PieceCorrupt
	// Completed fires once, when every piece is verified.
	Completed
)

// Progress is a point-in-time snapshot for the UI layer.
type Progress struct {
	VerifiedPieces int
	TotalPieces    int
	Percent        float64
	Peers          int
	DownloadRate   int
	UploadRate     int
	Complete       bool
}

// Notification is one outward event.
type Notification struct {
	Type     NotificationType
	Piece    int
	Progress Progress
}
