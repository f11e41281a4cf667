package janus

import "testing"

const browserOffer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0 1\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sendonly\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96 97\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n" +
	"a=sendonly\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=rtpmap:97 rtx/90000\r\n"

func TestInspectOfferSummarisesMedia(t *testing.T) {
	summary := InspectOffer(browserOffer)
	if !summary.Parsed {
		t.Fatalf("expected offer to parse: %s", summary.Error)
	}
	if len(summary.Media) != 2 {
		t.Fatalf("expected two media sections, got %+v", summary.Media)
	}
	audio, video := summary.Media[0], summary.Media[1]
	if audio.Kind != "audio" || audio.Direction != "sendonly" || len(audio.Codecs) != 1 || audio.Codecs[0] != "opus" {
		t.Fatalf("unexpected audio summary %+v", audio)
	}
	if video.Kind != "video" || len(video.Codecs) != 2 || video.Codecs[0] != "h264" || video.Codecs[1] != "rtx" {
		t.Fatalf("unexpected video summary %+v", video)
	}
	if !summary.HasKind("VIDEO") || summary.HasKind("application") {
		t.Fatalf("unexpected kinds %v", summary.Kinds())
	}
}

func TestInspectOfferToleratesPlaceholders(t *testing.T) {
	summary := InspectOffer("v=0...")
	if summary.Parsed {
		t.Fatalf("expected placeholder offer to be reported unparsed, got %+v", summary)
	}
	if summary.Error == "" {
		t.Fatal("expected decoder error to be recorded")
	}
	if len(summary.Kinds()) != 0 {
		t.Fatalf("expected no media kinds, got %v", summary.Kinds())
	}
}
