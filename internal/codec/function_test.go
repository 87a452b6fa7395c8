package codec

import (
	"testing"
)

func TestParseFunction(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		want    Func
		wantErr bool
	}{
		{
			name: "declaration",
			src:  "function add(a, b) { return a + b; }",
			want: Func{Name: "add", Params: []string{"a", "b"}, Body: "return a + b;"},
		},
		{
			name: "anonymous async declaration",
			src:  "async function (page) {\n  await page.click('#go');\n}",
			want: Func{Params: []string{"page"}, Body: "await page.click('#go');"},
		},
		{
			name: "block arrow",
			src:  "(x, y) => { const z = x * y; return z; }",
			want: Func{Params: []string{"x", "y"}, Body: "const z = x * y; return z;"},
		},
		{
			name: "expression arrow rewritten to return",
			src:  "(a, b) => a + b",
			want: Func{Params: []string{"a", "b"}, Body: "return a + b;"},
		},
		{
			name: "bare parameter arrow",
			src:  "n => n * 2;",
			want: Func{Params: []string{"n"}, Body: "return n * 2;"},
		},
		{
			name: "no parameters",
			src:  "() => ({ ok: true })",
			want: Func{Params: []string{}, Body: "return ({ ok: true });"},
		},
		{
			name: "method shorthand",
			src:  "check(el) { return el.visible; }",
			want: Func{Name: "check", Params: []string{"el"}, Body: "return el.visible;"},
		},
		{
			name: "identifier starting with function keyword is shorthand",
			src:  "functional(x) { return x; }",
			want: Func{Name: "functional", Params: []string{"x"}, Body: "return x;"},
		},
		{name: "empty", src: "   ", wantErr: true},
		{name: "plain expression", src: "a + b", wantErr: true},
		{name: "unbalanced", src: "function f(a { }", wantErr: true},
		{name: "arrow without body", src: "(a) =>", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFunction(tt.src)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFunction() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseFunction() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestFuncSource(t *testing.T) {
	f := Func{Name: "sum", Params: []string{"a", "b"}, Body: "return a + b;"}
	want := "function sum(a, b) {\nreturn a + b;\n}"
	if got := f.Source(); got != want {
		t.Errorf("Source() = %q, want %q", got, want)
	}

	reparsed, err := ParseFunction(f.Source())
	if err != nil {
		t.Fatalf("ParseFunction(Source()): %v", err)
	}
	if !reparsed.Equal(f) {
		t.Errorf("reparsed = %#v, want %#v", reparsed, f)
	}
}
