package torrent

import (
	"streambit/pkg/btor"
)

// Status is a point-in-time snapshot of download progress.
// It is always derived from the piece store and the peer
// registry, never persisted.
type Status struct {
	State    State
	Progress float64

	Peers int
	Seeds int

	DownloadRate btor.Size
	UploadRate   btor.Size

	Downloaded btor.Size
	Uploaded   btor.Size
	Wanted     btor.Size
}

// Status computes the torrent's current download status
func (t *Torrent) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Status{
		State:        t.state,
		DownloadRate: t.downRate,
		UploadRate:   t.upRate,
	}

	var up int64
	for _, p := range t.peers {
		out.Peers++
		up += p.Uploaded()
		if t.store != nil && p.Field().Count() == t.meta.NumPieces() {
			out.Seeds++
		}
	}
	out.Uploaded = btor.Size(up)

	if t.store == nil {
		return out
	}

	if t.wantedPieces != nil {
		out.Wanted = t.wantedBytes

		// Shared boundary pieces may push this past the
		// selected files' length
		for i, w := range t.wantedPieces {
			if w && t.store.Has(i) {
				out.Downloaded += t.meta.PieceSize(i)
			}
		}
	} else {
		out.Downloaded = btor.Size(t.store.BytesCompleted())
		out.Wanted = t.meta.Length()
	}

	if out.Wanted > 0 {
		out.Progress = float64(out.Downloaded) / float64(out.Wanted)
		if out.Progress > 1 {
			out.Progress = 1
		}
	}

	return out
}
