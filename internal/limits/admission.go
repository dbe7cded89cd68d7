package limits

import (
	"sync"

	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/documents"
)

const (
	defaultPerDocumentCap = 50
	defaultPerUserCap     = 5
)

// Decision is the outcome of an admission attempt.
type Decision int

const (
	// Admitted means the connection was counted and may proceed.
	Admitted Decision = iota
	// RejectedUserLimit means this user already holds the per-user cap for the document.
	RejectedUserLimit
	// RejectedDocLimit means the document is at its total connection cap.
	RejectedDocLimit
)

// String returns a reason string suitable for client-facing rejections.
func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case RejectedUserLimit:
		return "too many connections for this user"
	case RejectedDocLimit:
		return "document at capacity"
	default:
		return "unknown"
	}
}

// AdmissionControllerConfig carries the connection caps.
type AdmissionControllerConfig struct {
	PerDocumentCap int
	PerUserCap     int
}

// AdmissionController tracks live connection counts per document and per
// user, and enforces capacity at connect time. The per-user cap prevents one
// identity from exhausting the shared per-document pool. Both checks and the
// count mutation happen under a single critical section so concurrent
// admissions cannot jointly push a document over its cap.
type AdmissionController struct {
	perDocumentCap int
	perUserCap     int

	mu     sync.Mutex
	counts map[documents.DocumentID]map[documents.UserID]int
	active int
}

// NewAdmissionController constructs a controller, substituting defaults for
// non-positive caps.
func NewAdmissionController(cfg AdmissionControllerConfig) *AdmissionController {
	perDocumentCap := cfg.PerDocumentCap
	if perDocumentCap <= 0 {
		perDocumentCap = defaultPerDocumentCap
	}
	perUserCap := cfg.PerUserCap
	if perUserCap <= 0 {
		perUserCap = defaultPerUserCap
	}
	return &AdmissionController{
		perDocumentCap: perDocumentCap,
		perUserCap:     perUserCap,
		counts:         make(map[documents.DocumentID]map[documents.UserID]int),
	}
}

// TryAdmit checks the per-user cap, then the per-document cap, and counts
// the connection only when both pass. No state changes on rejection.
func (c *AdmissionController) TryAdmit(documentID documents.DocumentID, userID documents.UserID) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	userCounts := c.counts[documentID]
	if userCounts[userID] >= c.perUserCap {
		return RejectedUserLimit
	}

	total := 0
	for _, count := range userCounts {
		total += count
	}
	if total >= c.perDocumentCap {
		return RejectedDocLimit
	}

	if userCounts == nil {
		userCounts = make(map[documents.UserID]int)
		c.counts[documentID] = userCounts
	}
	userCounts[userID]++
	c.active++
	return Admitted
}

// Release undoes one prior successful TryAdmit. Per-user entries are removed
// at zero and the per-document map is dropped when it empties, so equal
// admit/release pairs leave no residue. Releasing with no matching admit is
// a no-op rather than driving counts negative.
func (c *AdmissionController) Release(documentID documents.DocumentID, userID documents.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	userCounts := c.counts[documentID]
	if userCounts == nil {
		return
	}
	count, found := userCounts[userID]
	if !found {
		return
	}
	if count <= 1 {
		delete(userCounts, userID)
	} else {
		userCounts[userID] = count - 1
	}
	if len(userCounts) == 0 {
		delete(c.counts, documentID)
	}
	c.active--
}

// DocumentTotal reports the live connection count for a document.
func (c *AdmissionController) DocumentTotal(documentID documents.DocumentID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, count := range c.counts[documentID] {
		total += count
	}
	return total
}

// UserTotal reports the live connection count one user holds on a document.
func (c *AdmissionController) UserTotal(documentID documents.DocumentID, userID documents.UserID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[documentID][userID]
}

// ActiveConnections reports the process-wide live connection count.
func (c *AdmissionController) ActiveConnections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}
