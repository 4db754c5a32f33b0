package format

import (
	"reflect"
	"strings"
	"testing"
)

func TestResponseFragment(t *testing.T) {
	f := New("", "", nil)
	got := f.Response("status", "hostname: X\nplayers: 1/10\n")

	want := `<div hx-swap-oob="beforeend:#console">` +
		`<div class="line line-echo">&gt; status</div>` +
		`<div class="line line-response">hostname: X</div>` +
		`<div class="line line-response">players: 1/10</div>` +
		`</div>`
	if got != want {
		t.Fatalf("Response fragment:\n got %s\nwant %s", got, want)
	}
}

func TestFragmentTargetAndSwapStyle(t *testing.T) {
	f := New("log", "afterbegin", nil)
	got := f.Info("hello")
	if !strings.HasPrefix(got, `<div hx-swap-oob="afterbegin:#log">`) {
		t.Fatalf("fragment does not carry the configured swap directive: %s", got)
	}
}

func TestEscaping(t *testing.T) {
	f := New("", "", nil)
	got := f.Error(`<script>alert("x")</script> & more`)
	if strings.Contains(got, "<script>") {
		t.Fatalf("unescaped markup in fragment: %s", got)
	}
	if !strings.Contains(got, "&lt;script&gt;") || !strings.Contains(got, "&amp; more") {
		t.Fatalf("expected escaped text in fragment: %s", got)
	}
}

func TestAuthFragments(t *testing.T) {
	f := New("", "", nil)
	if got := f.Auth(true, "connected"); !strings.Contains(got, `class="line line-auth-ok"`) {
		t.Fatalf("auth success fragment: %s", got)
	}
	if got := f.Auth(false, "bad password"); !strings.Contains(got, `class="line line-auth-fail"`) {
		t.Fatalf("auth failure fragment: %s", got)
	}
}

func TestServerMessageSeverityClass(t *testing.T) {
	f := New("", "", nil)
	cases := []struct {
		severity string
		class    string
	}{
		{"Generic", "line-server-generic"},
		{"Warning", "line-server-warning"},
		{"Error", "line-server-error"},
	}
	for _, tc := range cases {
		got := f.ServerMessage("player joined", tc.severity)
		if !strings.Contains(got, tc.class) {
			t.Fatalf("severity %s: fragment %s missing class %s", tc.severity, got, tc.class)
		}
	}
}

func TestFormatLineOverride(t *testing.T) {
	var metas []LineMeta
	f := New("", "", func(text string, meta LineMeta) string {
		metas = append(metas, meta)
		return "[" + text + "]"
	})

	got := f.Response("status", "ok")
	want := `<div hx-swap-oob="beforeend:#console">[> status][ok]</div>`
	if got != want {
		t.Fatalf("override fragment:\n got %s\nwant %s", got, want)
	}
	if len(metas) != 2 || metas[0].Kind != KindEcho || metas[1].Kind != KindResponse {
		t.Fatalf("override metas: %+v", metas)
	}
}

func TestSplitLines(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"\n\n", nil},
		{"one", []string{"one"}},
		{"one\ntwo\n", []string{"one", "two"}},
		{"one\r\ntwo\r\n", []string{"one", "two"}},
		{"a\n \nb", []string{"a", "b"}},
	}
	for _, tc := range cases {
		got := SplitLines(tc.in)
		if len(got) == 0 && len(tc.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("SplitLines(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
