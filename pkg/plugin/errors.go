package plugin

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateCommand = errors.New("command already registered")
	ErrInvalidHandler   = errors.New("handler is not callable")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrNotEnabled       = errors.New("plugin not enabled for profile")
	ErrURLNotAllowed    = errors.New("url not allowed")
	ErrPathOutsideRoot  = errors.New("path outside plugin root")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrUnknownWallet    = errors.New("wallet not in active profile")
	ErrNoProfile        = errors.New("no active profile")
	ErrDialogOpen       = errors.New("sign dialog already open")
	ErrDialogNotOpen    = errors.New("sign dialog not open")
	ErrDialogClosed     = errors.New("sign dialog closed")
	ErrSignRejected     = errors.New("signature rejected")
)

// URLNotAllowedError is returned when a network call targets a URL outside the
// manifest allow-list.
type URLNotAllowedError struct {
	Plugin  string
	URL     string
	Allowed []string
}

func (e *URLNotAllowedError) Error() string {
	return fmt.Sprintf("plugin %q: access to %q not allowed (allowed: %v)", e.Plugin, e.URL, e.Allowed)
}

func (e *URLNotAllowedError) Is(target error) bool {
	return target == ErrURLNotAllowed
}

// PathOutsideRootError is returned when a removal targets a path that is not a
// descendant of the plugin root.
type PathOutsideRootError struct {
	Path string
	Root string
}

func (e *PathOutsideRootError) Error() string {
	return fmt.Sprintf("refusing to remove %q: not inside %q", e.Path, e.Root)
}

func (e *PathOutsideRootError) Is(target error) bool {
	return target == ErrPathOutsideRoot
}
