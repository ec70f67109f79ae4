package pion

import (
	"strings"

	"github.com/Wyydra/chatfusion/internal/config"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ICEServers builds the server list for cfg.Mode. turn-only without TURN
// servers falls back to the default STUN server.
func ICEServers(cfg config.ICEConfig) []webrtc.ICEServer {
	turnOnly := strings.EqualFold(cfg.Mode, config.ICEModeTURNOnly)
	stunOnly := strings.EqualFold(cfg.Mode, config.ICEModeSTUNOnly)

	var servers []webrtc.ICEServer
	if !turnOnly {
		stun := cfg.STUNURLs
		if len(stun) == 0 {
			stun = []string{config.DefaultSTUN}
		}
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}

	if !stunOnly {
		if len(cfg.TURNURLs) > 0 {
			servers = append(servers, webrtc.ICEServer{
				URLs:       cfg.TURNURLs,
				Username:   cfg.TURNUsername,
				Credential: cfg.TURNPassword,
			})
		} else if !turnOnly {
			log.Debug().Msg("TURN not configured, relay fallback disabled")
		}
	}

	if turnOnly && len(servers) == 0 {
		log.Warn().Msg("ICE mode turn-only without TURN servers, falling back to default STUN")
		servers = append(servers, webrtc.ICEServer{URLs: []string{config.DefaultSTUN}})
	}
	return servers
}

// TransportPolicy restricts gathering to relay candidates in turn-only mode.
func TransportPolicy(cfg config.ICEConfig) webrtc.ICETransportPolicy {
	if strings.EqualFold(cfg.Mode, config.ICEModeTURNOnly) && len(cfg.TURNURLs) > 0 {
		return webrtc.ICETransportPolicyRelay
	}
	return webrtc.ICETransportPolicyAll
}
