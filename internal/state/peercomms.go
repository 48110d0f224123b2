package state

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/replbridge/internal/logging"
)

// PeerCommsLog appends arbitrary JSON-marshalable peer-traffic records to
// peer-comms.jsonl — used by both internal/peer (LAN) and internal/network
// (relay) so both paths share one audit trail on disk, exactly as spec's
// state layout describes a single peer-comms.jsonl rather than one file per
// transport.
type PeerCommsLog struct {
	w *logging.RotatingWriter
}

// NewPeerCommsLog opens peer-comms.jsonl under dir.
func NewPeerCommsLog(dir string) (*PeerCommsLog, error) {
	w, err := logging.NewRotatingWriter(dir + "/peer-comms.jsonl")
	if err != nil {
		return nil, err
	}
	return &PeerCommsLog{w: w}, nil
}

// Append marshals v and writes it as one JSON line.
func (p *PeerCommsLog) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal peer comms record: %w", err)
	}
	line = append(line, '\n')
	_, err = p.w.Write(line)
	return err
}

// Close closes the underlying file handle.
func (p *PeerCommsLog) Close() error { return p.w.Close() }
