package ytlive

import (
	"strings"
	"testing"
)

const chatPage = `<html><script>ytcfg.set({"INNERTUBE_API_KEY":"key-1","INNERTUBE_CONTEXT_CLIENT_NAME":1,"INNERTUBE_CONTEXT_CLIENT_VERSION":"2.2024","VISITOR_DATA":"visitor==","INNERTUBE_CONTEXT":{"client":{"clientName":"WEB","hl":"en"}}});</script>
<script>window["ytInitialData"] = {"contents":{"liveChatRenderer":{"continuations":[{"invalidationContinuationData":{"continuation":"cont-0","timeoutMs":5000}}],"header":{"title":"say \"}{\" here"}}}};</script></html>`

func TestParsePageExtractsBootstrap(t *testing.T) {
	page := parsePage(chatPage)
	if page.Data == nil {
		t.Fatalf("expected page data, got status %q", page.Status)
	}
	data := page.Data
	if data.APIKey != "key-1" {
		t.Fatalf("expected api key, got %q", data.APIKey)
	}
	if data.ClientName != "1" || data.ClientVersion != "2.2024" {
		t.Fatalf("unexpected client identity %q/%q", data.ClientName, data.ClientVersion)
	}
	if data.VisitorData != "visitor==" {
		t.Fatalf("expected visitor data, got %q", data.VisitorData)
	}
	if !strings.Contains(string(data.Context), `"clientName":"WEB"`) {
		t.Fatalf("expected innertube context, got %s", data.Context)
	}
	if data.Continuation != "cont-0" || data.TimeoutMs != 5000 {
		t.Fatalf("unexpected continuation %q/%d", data.Continuation, data.TimeoutMs)
	}
}

func TestParsePageStatusMessage(t *testing.T) {
	html := `<script>ytcfg.set({"INNERTUBE_API_KEY":"k"});var ytInitialData = {"contents":{"messageRenderer":{"text":{"runs":[{"text":"Chat is disabled for this live stream."}]}}}};</script>`
	page := parsePage(html)
	if page.Data != nil {
		t.Fatalf("expected no page data")
	}
	if page.Status != "Chat is disabled for this live stream." {
		t.Fatalf("unexpected status %q", page.Status)
	}
}

func TestParsePageNothingUseful(t *testing.T) {
	page := parsePage(`<html>nothing here</html>`)
	if page.Data != nil || page.Status != "" {
		t.Fatalf("expected empty page, got %+v", page)
	}
}

func TestParsePageFallsBackToSearch(t *testing.T) {
	html := `<script>var ytInitialData = {"continuationContents":{"liveChatContinuation":{"continuations":[{"timedContinuationData":{"continuation":"deep","timeoutMs":"1500"}}]}}};</script>`
	page := parsePage(html)
	if page.Data == nil || page.Data.Continuation != "deep" {
		t.Fatalf("expected continuation from search, got %+v", page)
	}
}

func TestSliceBalancedJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{name: "object", in: `{"a":1};rest`, want: `{"a":1}`, ok: true},
		{name: "brace in string", in: `{"a":"}"} x`, want: `{"a":"}"}`, ok: true},
		{name: "escaped quote", in: `{"a":"\"}"}`, want: `{"a":"\"}"}`, ok: true},
		{name: "unterminated", in: `{"a":1`, ok: false},
		{name: "mismatched", in: `{"a":]`, ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := sliceBalancedJSON(tt.in)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		msg     string
		kind    ErrorKind
		delayed bool
	}{
		{msg: "Chat is disabled for this live stream.", kind: KindSoftUnavailable},
		{msg: "This video is available to this channel's members on level: Member", kind: KindPermanentUnavailable, delayed: true},
		{msg: "This video is private", kind: KindPermanentUnavailable, delayed: true},
		{msg: "This video has been removed by the uploader", kind: KindPermanentUnavailable},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.msg, func(t *testing.T) {
			err := classifyStatus("vid", tt.msg)
			if err.Kind != tt.kind {
				t.Fatalf("expected kind %v, got %v", tt.kind, err.Kind)
			}
			if err.DelayedRemoval != tt.delayed {
				t.Fatalf("expected delayed=%v, got %v", tt.delayed, err.DelayedRemoval)
			}
			if RemoveImmediately(err) == (tt.kind != KindPermanentUnavailable || tt.delayed) {
				t.Fatalf("unexpected RemoveImmediately for %q", tt.msg)
			}
		})
	}
}
