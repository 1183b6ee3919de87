package chain

import (
	"strings"

	"github.com/PISAresearch/pisa-sub003/internal/errs"
)

// Err namespaces every error this package originates, in the style of
// pktd's per-subsystem er.ErrorType.
var Err = errs.NewErrorType("chain")

// ErrBlockNotFound signals the provider has no block at the requested
// height/hash. It is a recoverable condition (§7 "Transient chain"): the
// block processor logs it at info and retries on the next tick.
var ErrBlockNotFound = Err.CodeWithDetail("ErrBlockNotFound", "block not found")

// unknownBlockSubstrings are the provider error fragments pktd-style code
// treats as "unknown block" without a richer provider-specific taxonomy —
// the Open Question flagged in spec.md §9 is implemented exactly as
// described (a substring match) behind this single seam so replacing it
// later never touches a call site.
var unknownBlockSubstrings = []string{
	"unknown block",
	"block not found",
	"header not found",
}

// IsUnknownBlock reports whether err is the provider's way of saying a
// requested block does not (yet, or any longer) exist.
func IsUnknownBlock(err error) bool {
	if err == nil {
		return false
	}
	if ErrBlockNotFound.Is(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range unknownBlockSubstrings {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
