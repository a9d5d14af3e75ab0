package policy

import (
	"errors"
	"net/url"
	"strings"

	"modelchat/pkg/domain"
)

var (
	// ErrNotFound indicates the chat does not exist (or is unreadable).
	ErrNotFound = errors.New("chat not found")
	// ErrForbidden indicates the chat belongs to another owner. Callers on
	// page paths should render this as not-found to avoid leaking existence.
	ErrForbidden = errors.New("chat forbidden")
)

const loginPath = "/login"

// Decision is the admission outcome for a request.
type Decision int

const (
	// DecisionAdmit admits the request under Admission.OwnerID.
	DecisionAdmit Decision = iota
	// DecisionRedirectLogin sends the caller to the login page, preserving
	// the originally requested path.
	DecisionRedirectLogin
	// DecisionRedirectHome sends an authenticated caller off the login page.
	DecisionRedirectHome
)

// Admission is the result of the per-request admission check.
type Admission struct {
	Decision Decision
	OwnerID  string
	Redirect string
}

// Admit decides anonymous-vs-authenticated admission for a request path.
func Admit(identity *domain.Identity, anonymousAllowed bool, requestedPath string) Admission {
	onLogin := strings.HasPrefix(requestedPath, loginPath)

	if identity != nil {
		if onLogin {
			return Admission{Decision: DecisionRedirectHome, Redirect: "/"}
		}
		return Admission{Decision: DecisionAdmit, OwnerID: identity.ID}
	}

	if anonymousAllowed || onLogin {
		return Admission{Decision: DecisionAdmit, OwnerID: domain.AnonymousOwner}
	}

	return Admission{
		Decision: DecisionRedirectLogin,
		Redirect: loginPath + "?next=" + url.QueryEscape(requestedPath),
	}
}

// AuthorizeChat checks ownership of a loaded chat record. A nil record maps
// to ErrNotFound; an owner mismatch to ErrForbidden. Share lookups bypass
// this check entirely (see chatstore.GetByShare).
func AuthorizeChat(record *domain.ChatRecord, ownerID string) error {
	if record == nil {
		return ErrNotFound
	}
	if record.OwnerID != ownerID {
		return ErrForbidden
	}
	return nil
}
