package janus

import (
	"strings"

	"github.com/pion/sdp/v3"
)

// MediaSummary describes one m= section of a session description.
type MediaSummary struct {
	Kind      string   `json:"kind"`
	Direction string   `json:"direction,omitempty"`
	Codecs    []string `json:"codecs,omitempty"`
}

// OfferSummary is a best-effort view of an SDP document used for logging and
// diagnostics. Parsed is false when the document could not be decoded.
type OfferSummary struct {
	Parsed bool           `json:"parsed"`
	Media  []MediaSummary `json:"media,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// HasKind reports whether a media section of the given kind is present.
func (s OfferSummary) HasKind(kind string) bool {
	for _, media := range s.Media {
		if strings.EqualFold(media.Kind, kind) {
			return true
		}
	}
	return false
}

// Kinds lists the media kinds in document order.
func (s OfferSummary) Kinds() []string {
	kinds := make([]string, 0, len(s.Media))
	for _, media := range s.Media {
		kinds = append(kinds, media.Kind)
	}
	return kinds
}

// InspectOffer decodes raw with pion/sdp. It never fails: an undecodable
// document yields a summary with Parsed unset and the decoder error recorded.
func InspectOffer(raw string) OfferSummary {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		return OfferSummary{Error: err.Error()}
	}
	summary := OfferSummary{Parsed: true}
	for _, media := range desc.MediaDescriptions {
		if media == nil {
			continue
		}
		entry := MediaSummary{Kind: media.MediaName.Media}
		for _, attr := range media.Attributes {
			switch attr.Key {
			case "sendrecv", "sendonly", "recvonly", "inactive":
				entry.Direction = attr.Key
			case "rtpmap":
				if codec := codecName(attr.Value); codec != "" && !contains(entry.Codecs, codec) {
					entry.Codecs = append(entry.Codecs, codec)
				}
			}
		}
		summary.Media = append(summary.Media, entry)
	}
	return summary
}

// codecName extracts "opus" from an rtpmap value such as "111 opus/48000/2".
func codecName(rtpmap string) string {
	fields := strings.Fields(rtpmap)
	if len(fields) < 2 {
		return ""
	}
	name, _, _ := strings.Cut(fields[1], "/")
	return strings.ToLower(name)
}

func contains(values []string, want string) bool {
	for _, value := range values {
		if value == want {
			return true
		}
	}
	return false
}
