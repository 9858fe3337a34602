package event

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSerialize(t *testing.T) {
	ev := &Event{
		PubKey:    "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798",
		CreatedAt: 1700000000,
		Kind:      KindRootSite,
		Tags: Tags{
			{"path", "/index.html", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
			{"title", "a <b> & \"c\""},
		},
		Content: "line1\nline2\ttab\\ \x01 ünïcode",
	}

	const want = `[0,"79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798",1700000000,15128,` +
		`[["path","/index.html","e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"],["title","a <b> & \"c\""]],` +
		`"line1\nline2\ttab\\ \u0001 ünïcode"]`

	if got := string(ev.Serialize()); got != want {
		t.Errorf("mismatch (-want +got):\n%s", cmp.Diff(want, got))
	}
}

func TestFromTemplate(t *testing.T) {
	ev := FromTemplate(Template{Kind: KindRelayList}, "abcd")
	if ev.CreatedAt == 0 {
		t.Error("zero CreatedAt should default to now")
	}
	if ev.Tags == nil {
		t.Error("tags should serialize as [] not null")
	}
	if ev.ID != ev.ComputeID() {
		t.Error("ID not computed")
	}

	ev.Content = "changed"
	if ev.ID == ev.ComputeID() {
		t.Error("ID should depend on content")
	}
	if err := ev.Verify(); err == nil {
		t.Error("Verify should fail on a tampered event")
	}
}

func TestFilterJSON(t *testing.T) {
	f := Filter{
		Kinds:   []int{KindNamedSite},
		Authors: []string{"abcd"},
		Tags:    map[string][]string{"d": {"blog"}},
		Limit:   10,
	}
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["#d"]; !ok {
		t.Errorf("want a #d key in %s", b)
	}
	if _, ok := m["ids"]; ok {
		t.Errorf("empty ids should be omitted from %s", b)
	}

	var f2 Filter
	if err := json.Unmarshal(b, &f2); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(f, f2); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestFilterMatches(t *testing.T) {
	ev := &Event{
		ID:        "01",
		PubKey:    "aa",
		CreatedAt: 200,
		Kind:      KindNamedSite,
		Tags:      Tags{{"d", "blog"}},
	}
	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty", Filter{}, true},
		{"kind", Filter{Kinds: []int{KindNamedSite}}, true},
		{"wrong kind", Filter{Kinds: []int{KindRootSite}}, false},
		{"author", Filter{Authors: []string{"bb", "aa"}}, true},
		{"d tag", Filter{Tags: map[string][]string{"d": {"blog"}}}, true},
		{"wrong d tag", Filter{Tags: map[string][]string{"d": {"docs"}}}, false},
		{"since", Filter{Since: 201}, false},
		{"until", Filter{Until: 200}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.f.Matches(ev); got != c.want {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}
