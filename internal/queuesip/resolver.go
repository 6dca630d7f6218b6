package queuesip

import (
	"context"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/ringbase/ringbase/internal/database"
)

// registrationResolver resolves a queue member interface (e.g. "Local/1001")
// against the extension and registration repositories, the same lookup the
// ring-group/extension flow handlers use before forking an INVITE. Members
// dial straight to the extension's current contact URI; no digest challenge
// is expected for internal legs (mirrors internal/sip/forker.go, which never
// authenticates its fork legs either).
type registrationResolver struct {
	extensions    database.ExtensionRepository
	registrations database.RegistrationRepository
}

// NewRegistrationResolver creates a ContactResolver backed by the live
// extension/registration tables.
func NewRegistrationResolver(extensions database.ExtensionRepository, registrations database.RegistrationRepository) ContactResolver {
	return &registrationResolver{extensions: extensions, registrations: registrations}
}

// Resolve looks up the newest active registration for the interface's
// extension number. ContactResolver has no context parameter, so this uses
// context.Background() for the lookup, matching the short-lived, local
// nature of a sqlite query.
func (r *registrationResolver) Resolve(iface string) (sip.Uri, string, string, bool) {
	extNum := strings.TrimPrefix(iface, "Local/")
	if idx := strings.IndexByte(extNum, '@'); idx >= 0 {
		extNum = extNum[:idx]
	}

	ctx := context.Background()
	ext, err := r.extensions.GetByExtension(ctx, extNum)
	if err != nil || ext == nil {
		return sip.Uri{}, "", "", false
	}

	regs, err := r.registrations.GetByExtensionID(ctx, ext.ID)
	if err != nil || len(regs) == 0 {
		return sip.Uri{}, "", "", false
	}

	// Most recently registered contact wins when a device has more than one.
	best := regs[0]
	for _, reg := range regs[1:] {
		if reg.RegisteredAt.After(best.RegisteredAt) {
			best = reg
		}
	}

	var u sip.Uri
	if err := sip.ParseUri(best.ContactURI, &u); err != nil {
		return sip.Uri{}, "", "", false
	}
	return u, "", "", true
}
