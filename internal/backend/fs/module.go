package fs

import (
	"context"
	"fmt"

	"github.com/mediahub/mediahub/internal/model"
)

// signalModule is the engine-side signaling gateway a leg is created
// through. WebRTC legs enter FS through its Verto endpoint, plain RTP
// legs through its SIP gateway; the two shape channel variables and SDP
// handling differently.
type signalModule interface {
	startIn(ctx context.Context, c EngineClient, sessionID, offer string) (answer string, err error)
	startOut(ctx context.Context, c EngineClient, sessionID string) (offer string, err error)
}

// moduleFor selects the gateway module for an SDP flavor.
func moduleFor(t model.SDPType) signalModule {
	if t == model.SDPRTP {
		return sipModule{}
	}
	return vertoModule{}
}

// vertoModule drives WebRTC legs through the engine's Verto endpoint.
type vertoModule struct{}

func (vertoModule) startIn(ctx context.Context, c EngineClient, sessionID, offer string) (string, error) {
	answer, err := c.StartInbound(ctx, sessionID, model.SDPWebRTC, offer)
	if err != nil {
		return "", fmt.Errorf("verto leg start: %w", err)
	}
	return answer, nil
}

func (vertoModule) startOut(ctx context.Context, c EngineClient, sessionID string) (string, error) {
	offer, err := c.StartOutbound(ctx, sessionID, model.SDPWebRTC)
	if err != nil {
		return "", fmt.Errorf("verto leg originate: %w", err)
	}
	return offer, nil
}

// sipModule drives plain RTP legs through the engine's SIP gateway.
type sipModule struct{}

func (sipModule) startIn(ctx context.Context, c EngineClient, sessionID, offer string) (string, error) {
	answer, err := c.StartInbound(ctx, sessionID, model.SDPRTP, offer)
	if err != nil {
		return "", fmt.Errorf("sip leg start: %w", err)
	}
	return answer, nil
}

func (sipModule) startOut(ctx context.Context, c EngineClient, sessionID string) (string, error) {
	offer, err := c.StartOutbound(ctx, sessionID, model.SDPRTP)
	if err != nil {
		return "", fmt.Errorf("sip leg originate: %w", err)
	}
	return offer, nil
}
