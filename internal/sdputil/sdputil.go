// Package sdputil classifies session descriptions and aggregates trickled
// ICE candidates back into a complete SDP for backends that require one.
package sdputil

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/mediahub/mediahub/internal/model"
)

// Classify inspects an SDP body and reports whether it was produced by a
// WebRTC endpoint or a plain RTP endpoint. WebRTC descriptions carry ICE
// credentials and a DTLS fingerprint; SIP phones produce neither.
func Classify(body string) model.SDPType {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(body)); err != nil {
		// Fall back to a line scan for descriptions pion refuses.
		if strings.Contains(body, "a=ice-ufrag:") || strings.Contains(body, "a=fingerprint:") {
			return model.SDPWebRTC
		}
		return model.SDPRTP
	}

	if hasAttr(desc.Attributes, "ice-ufrag") || hasAttr(desc.Attributes, "fingerprint") {
		return model.SDPWebRTC
	}
	for _, m := range desc.MediaDescriptions {
		if hasAttr(m.Attributes, "ice-ufrag") || hasAttr(m.Attributes, "fingerprint") {
			return model.SDPWebRTC
		}
	}
	return model.SDPRTP
}

// HasTrickle reports whether the description advertises trickle ICE.
func HasTrickle(body string) bool {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(body)); err != nil {
		return strings.Contains(body, "a=ice-options:trickle")
	}

	if attrContains(desc.Attributes, "ice-options", "trickle") {
		return true
	}
	for _, m := range desc.MediaDescriptions {
		if attrContains(m.Attributes, "ice-options", "trickle") {
			return true
		}
	}
	return false
}

// Describe builds a model.SDP from a raw body, classifying it and
// detecting trickle.
func Describe(body string) model.SDP {
	return model.SDP{
		Body:       body,
		Type:       Classify(body),
		TrickleICE: HasTrickle(body),
	}
}

// AggregateCandidates appends buffered trickle candidates to the matching
// media sections of body and marks every section end-of-candidates. The
// result is a complete description suitable for backends that cannot
// consume trickled candidates (FS). Candidate order is preserved.
func AggregateCandidates(body string, candidates []model.Candidate) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(body)); err != nil {
		return "", fmt.Errorf("parsing sdp: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return "", fmt.Errorf("sdp has no media sections")
	}

	for _, c := range candidates {
		if c.End {
			continue
		}
		idx := c.MLineIndex
		if idx < 0 || idx >= len(desc.MediaDescriptions) {
			idx = 0
		}
		m := desc.MediaDescriptions[idx]
		m.Attributes = append(m.Attributes, sdp.Attribute{
			Key:   "candidate",
			Value: strings.TrimPrefix(c.Candidate, "candidate:"),
		})
	}

	for _, m := range desc.MediaDescriptions {
		if !hasAttr(m.Attributes, "end-of-candidates") {
			m.Attributes = append(m.Attributes, sdp.Attribute{Key: "end-of-candidates"})
		}
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshaling sdp: %w", err)
	}
	return string(out), nil
}

func hasAttr(attrs []sdp.Attribute, key string) bool {
	for _, a := range attrs {
		if a.Key == key {
			return true
		}
	}
	return false
}

func attrContains(attrs []sdp.Attribute, key, substr string) bool {
	for _, a := range attrs {
		if a.Key == key && strings.Contains(a.Value, substr) {
			return true
		}
	}
	return false
}
