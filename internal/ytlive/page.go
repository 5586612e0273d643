package ytlive

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/goccy/go-json"
)

// PageData is everything the continuation endpoint needs, scraped from the
// live chat popout page.
type PageData struct {
	APIKey        string
	ClientName    string
	ClientVersion string
	VisitorData   string
	// Context is the INNERTUBE_CONTEXT object echoed back verbatim.
	Context      json.RawMessage
	Continuation string
	TimeoutMs    int
}

// Page is the result of bootstrapping a session. Exactly one of Data and
// Status is useful: Data when chat is available, Status when the page shows
// a message in place of chat.
type Page struct {
	Data   *PageData
	Status string
}

var initialDataMarkers = []string{
	`window["ytInitialData"]`,
	`ytInitialData"]`,
	`ytInitialData`,
}

// parsePage extracts the innertube configuration and the initial chat state
// from a popout page. It never fails; missing pieces are left empty and the
// session step decides what they mean.
func parsePage(html string) Page {
	data := &PageData{}
	for _, cfg := range ytcfgObjects(html) {
		if s := stringField(cfg, "INNERTUBE_API_KEY"); s != "" {
			data.APIKey = s
		}
		if v, ok := cfg["INNERTUBE_CONTEXT_CLIENT_NAME"]; ok {
			switch n := v.(type) {
			case float64:
				data.ClientName = strconv.Itoa(int(n))
			case string:
				data.ClientName = n
			}
		}
		if s := stringField(cfg, "INNERTUBE_CONTEXT_CLIENT_VERSION"); s != "" {
			data.ClientVersion = s
		} else if s := stringField(cfg, "INNERTUBE_CLIENT_VERSION"); s != "" && data.ClientVersion == "" {
			data.ClientVersion = s
		}
		if s := stringField(cfg, "VISITOR_DATA"); s != "" {
			data.VisitorData = s
		}
		if ctx, ok := cfg["INNERTUBE_CONTEXT"].(map[string]any); ok {
			if raw, err := json.Marshal(ctx); err == nil {
				data.Context = raw
			}
		}
	}

	var initial map[string]any
	for _, marker := range initialDataMarkers {
		raw, ok := extractJSONAssignment(html, marker)
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(raw), &initial); err == nil {
			break
		}
		initial = nil
	}

	page := Page{}
	if initial != nil {
		if renderer := digMap(initial, "contents", "liveChatRenderer"); renderer != nil {
			data.Continuation, data.TimeoutMs = nextContinuation(renderer)
		}
		if data.Continuation == "" {
			data.Continuation = findInitialContinuation(initial)
		}
		if data.Continuation == "" {
			page.Status = runsField(digMap(initial, "contents", "messageRenderer"), "text")
		}
	}
	if data.Continuation != "" {
		page.Data = data
	}
	return page
}

// nextContinuation reads the first continuation of a liveChatRenderer or a
// liveChatContinuation, with its suggested delay.
func nextContinuation(node map[string]any) (string, int) {
	arr, _ := node["continuations"].([]any)
	for _, elem := range arr {
		m := asMap(elem)
		for _, key := range []string{"invalidationContinuationData", "timedContinuationData", "reloadContinuationData", "liveChatReplayContinuationData"} {
			next := digMap(m, key)
			if next == nil {
				continue
			}
			token := stringField(next, "continuation")
			if token == "" {
				continue
			}
			timeout, _ := numberField(next, "timeoutMs")
			return token, int(timeout)
		}
	}
	return "", 0
}

func ytcfgObjects(html string) []map[string]any {
	var out []map[string]any
	search := 0
	for {
		idx := strings.Index(html[search:], "ytcfg.set(")
		if idx == -1 {
			return out
		}
		pos := search + idx + len("ytcfg.set(")
		search = pos
		for pos < len(html) && unicode.IsSpace(rune(html[pos])) {
			pos++
		}
		if pos >= len(html) || html[pos] != '{' {
			continue
		}
		raw, ok := sliceBalancedJSON(html[pos:])
		if !ok {
			continue
		}
		var cfg map[string]any
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			continue
		}
		out = append(out, cfg)
		search = pos + len(raw)
	}
}

func extractJSONAssignment(body, marker string) (string, bool) {
	search := 0
	for {
		idx := strings.Index(body[search:], marker)
		if idx == -1 {
			return "", false
		}
		idx += search
		pos := idx + len(marker)
		for pos < len(body) {
			ch := body[pos]
			if ch == '=' {
				pos++
				break
			}
			if unicode.IsSpace(rune(ch)) || ch == ']' || ch == '"' || ch == '\'' || ch == ')' {
				pos++
				continue
			}
			pos = -1
			break
		}
		if pos == -1 || pos >= len(body) {
			search = idx + len(marker)
			continue
		}
		for pos < len(body) && unicode.IsSpace(rune(body[pos])) {
			pos++
		}
		if pos >= len(body) {
			return "", false
		}
		if body[pos] != '{' {
			search = idx + len(marker)
			continue
		}
		slice, ok := sliceBalancedJSON(body[pos:])
		if !ok {
			search = idx + len(marker)
			continue
		}
		return slice, true
	}
}

// sliceBalancedJSON returns the leading JSON object or array of s, skipping
// brackets inside string literals.
func sliceBalancedJSON(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	stack := make([]byte, 0, 8)
	inString := false
	escape := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			open := stack[len(stack)-1]
			if (open == '{' && c != '}') || (open == '[' && c != ']') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

// findInitialContinuation walks the initial data breadth-first for the first
// continuation found under a live chat key. Used when the page layout does
// not match the usual contents.liveChatRenderer path.
func findInitialContinuation(data map[string]any) string {
	type queueItem struct {
		value      any
		inLiveChat bool
	}

	queue := []queueItem{{value: data}}
	for len(queue) > 0 {
		var item queueItem
		item, queue = queue[0], queue[1:]
		switch v := item.value.(type) {
		case map[string]any:
			current := item.inLiveChat || mapHasLiveChatKey(v)
			if current {
				if cont, _ := nextContinuation(v); cont != "" {
					return cont
				}
			}
			for key, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: current || isLiveChatKey(key)})
			}
		case []any:
			for _, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: item.inLiveChat})
			}
		}
	}
	return ""
}

func isLiveChatKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "livechat")
}

func mapHasLiveChatKey(m map[string]any) bool {
	for key := range m {
		if isLiveChatKey(key) {
			return true
		}
	}
	return false
}
