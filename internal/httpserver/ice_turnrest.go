package httpserver

import (
	"github.com/stationlink/signaling/internal/config"
)

// withTURNRESTCredentials injects freshly minted ephemeral credentials into
// every TURN entry that does not already carry static ones. STUN entries are
// left untouched.
func withTURNRESTCredentials(servers []config.ICEServer, username, credential string) []config.ICEServer {
	if len(servers) == 0 {
		// Preserve empty (non-nil) slices so JSON responses consistently
		// encode as `[]` rather than `null`.
		return servers
	}
	out := make([]config.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if server.HasTURNURL() && server.Username == "" && server.Credential == "" {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}
