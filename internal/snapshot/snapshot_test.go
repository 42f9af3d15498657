package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"idremap/internal/identity"
)

func testContext() *StaticContext {
	return &StaticContext{
		Package:      "com.example.app",
		Certs:        [][]byte{{0x30, 0x82, 0x01, 0xff}},
		FirstInstall: time.UnixMilli(1650000000000),
		Attributes: map[identity.Kind]string{
			identity.KindNetworkAddress: "3c:5a:b4:01:02:03",
			identity.KindSerial:         "R58M12ABCDE",
			identity.KindBuildBrand:     "samsung",
		},
		Denied: []identity.Kind{identity.KindAndroidID},
	}
}

func TestBytesHashCode(t *testing.T) {
	tests := []struct {
		in   []byte
		want int32
	}{
		{nil, 1},
		{[]byte{1, 2, 3}, 30817},
		{[]byte{0xff}, 30},
		{[]byte{0x80}, 31 - 128},
	}
	for _, tt := range tests {
		if got := bytesHashCode(tt.in); got != tt.want {
			t.Errorf("bytesHashCode(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestStringHashCode(t *testing.T) {
	tests := []struct {
		in   string
		want int32
	}{
		{"", 0},
		{"a", 97},
		{"hello", 99162322},
		{"com.example.app", stringHashCodeSlow("com.example.app")},
	}
	for _, tt := range tests {
		if got := stringHashCode(tt.in); got != tt.want {
			t.Errorf("stringHashCode(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func stringHashCodeSlow(s string) int32 {
	var h int64
	for _, c := range s {
		h = (31*h + int64(c)) & 0xffffffff
	}
	return int32(uint32(h))
}

func TestCollect_ClassifiesAttributes(t *testing.T) {
	c := NewCollector()
	s := c.Collect(context.Background(), testContext())

	if !s.Valid() {
		t.Fatal("expected valid snapshot")
	}
	if got := s.Attribute(identity.KindAndroidID).Reason; got != ReasonPermissionDenied {
		t.Errorf("android-id reason = %q, want %q", got, ReasonPermissionDenied)
	}
	if got := s.Attribute(identity.KindIMEI).Reason; got != ReasonUnavailable {
		t.Errorf("imei reason = %q, want %q", got, ReasonUnavailable)
	}
	if v, ok := s.Value(identity.KindSerial); !ok || v != "R58M12ABCDE" {
		t.Errorf("serial = %q, %v", v, ok)
	}
	if v, ok := s.Value(identity.KindInstallID); !ok || v != "com.example.app@1650000000000" {
		t.Errorf("install-id = %q, %v", v, ok)
	}
}

func TestCollect_NilContext(t *testing.T) {
	s := NewCollector().Collect(context.Background(), nil)
	if s.Valid() {
		t.Fatal("snapshot without context must not be valid")
	}
	if h := NewHandleTable().Put(s); h.OK() {
		t.Fatalf("expected unavailable handle, got %s", h)
	}
}

func TestCollect_RestrictedKinds(t *testing.T) {
	c := NewCollector(WithKinds(identity.KindSerial))
	s := c.Collect(context.Background(), testContext())
	if len(s.Attributes()) != 1 {
		t.Fatalf("expected one attribute, got %d", len(s.Attributes()))
	}
	if _, ok := s.Value(identity.KindNetworkAddress); ok {
		t.Error("network-address should not be collected")
	}
}

func TestSnapshot_SummaryAndBinding(t *testing.T) {
	s := NewCollector().Collect(context.Background(), testContext())
	if got, want := s.Summary(), bytesHashCode([]byte{0x30, 0x82, 0x01, 0xff}); got != want {
		t.Errorf("Summary = %d, want %d", got, want)
	}

	noSig := testContext()
	noSig.Certs = nil
	s2 := NewCollector().Collect(context.Background(), noSig)
	if got, want := s2.Summary(), stringHashCode("com.example.app"); got != want {
		t.Errorf("fallback Summary = %d, want %d", got, want)
	}

	if string(s.Binding()) == string(s2.Binding()) {
		t.Error("binding must depend on signatures")
	}
}

func TestSnapshot_Discard(t *testing.T) {
	pc := testContext()
	s := NewCollector().Collect(context.Background(), pc)
	sigs := s.signatures
	s.Discard()

	if s.Valid() || !s.Discarded() {
		t.Fatal("discarded snapshot must be invalid")
	}
	if _, ok := s.Value(identity.KindSerial); ok {
		t.Error("values survive Discard")
	}
	for _, b := range sigs[0] {
		if b != 0 {
			t.Fatal("signature bytes not wiped")
		}
	}
	if pc.Certs[0][0] != 0x30 {
		t.Error("Discard must not touch the caller's buffers")
	}
}

func TestHandle_LegacyEncoding(t *testing.T) {
	h := Handle{Status: HandleOK, ID: 42}
	if h.Int32() != 42 {
		t.Errorf("Int32 = %d", h.Int32())
	}
	if got := FromInt32(42); got != h {
		t.Errorf("FromInt32(42) = %v", got)
	}
	if Unavailable.Int32() >= 0 {
		t.Error("unavailable handle must encode negative")
	}
	if FromInt32(-1).OK() {
		t.Error("negative legacy value must decode unavailable")
	}
}

func TestHandleTable_PutTake(t *testing.T) {
	tbl := NewHandleTable()
	c := NewCollector()

	first := c.Collect(context.Background(), testContext())
	h := tbl.Put(first)
	if !h.OK() || h.ID < 0 {
		t.Fatalf("bad handle %s", h)
	}

	second := c.Collect(context.Background(), testContext())
	if h2 := tbl.Put(second); h2 != h {
		t.Fatalf("same app must map to the same handle: %s vs %s", h, h2)
	}
	if !first.Discarded() {
		t.Error("replaced snapshot must be wiped")
	}
	if tbl.Len() != 1 {
		t.Errorf("Len = %d, want 1", tbl.Len())
	}

	got, err := tbl.Take(h)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if got != second {
		t.Error("Take returned the wrong snapshot")
	}
	if _, err := tbl.Take(h); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("second Take: %v, want ErrUnknownHandle", err)
	}
}

func TestHandleTable_InspectHidesValues(t *testing.T) {
	tbl := NewHandleTable()
	h := tbl.Put(NewCollector().Collect(context.Background(), testContext()))

	attrs, ok := tbl.Inspect(h)
	if !ok || len(attrs) == 0 {
		t.Fatalf("Inspect(%s) = %v, %v", h, attrs, ok)
	}
	for _, a := range attrs {
		if a.Value != "" {
			t.Errorf("%s: value exposed", a.Kind)
		}
	}
	if tbl.Len() != 1 {
		t.Error("Inspect must not consume the snapshot")
	}
	if _, ok := tbl.Inspect(Unavailable); ok {
		t.Error("Inspect(Unavailable) should fail")
	}
}

func TestHandleTable_InspectDuringReplace(t *testing.T) {
	tbl := NewHandleTable()
	c := NewCollector()
	h := tbl.Put(c.Collect(context.Background(), testContext()))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			tbl.Put(c.Collect(context.Background(), testContext()))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if _, ok := tbl.Inspect(h); !ok {
				t.Error("handle vanished while being replaced")
				return
			}
		}
	}()
	wg.Wait()
}

func TestParseStaticContext(t *testing.T) {
	data := []byte(`{
		"package": "com.example.app",
		"signatures": ["MIIB/w=="],
		"first_install_time": "2022-04-15T05:20:00Z",
		"attributes": {"Build.SERIAL": "R58M12ABCDE", "mac": "3c:5a:b4:01:02:03"},
		"denied": ["network-address"]
	}`)
	sc, err := ParseStaticContext(data)
	if err != nil {
		t.Fatalf("ParseStaticContext: %v", err)
	}
	if sc.Attributes[identity.KindSerial] != "R58M12ABCDE" {
		t.Errorf("alias key not resolved: %v", sc.Attributes)
	}
	if len(sc.Certs) != 1 || len(sc.Certs[0]) != 4 {
		t.Errorf("signatures = %v", sc.Certs)
	}
	if _, err := sc.Attribute(context.Background(), identity.KindNetworkAddress); !errors.Is(err, identity.ErrPermissionDenied) {
		t.Errorf("denied kind: %v", err)
	}
	if sc.FirstInstall.IsZero() {
		t.Error("first install time not decoded")
	}
}

func TestParseStaticContext_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing package", `{"attributes": {}}`},
		{"empty package", `{"package": ""}`},
		{"unknown field", `{"package": "a", "extra": 1}`},
		{"bad time", `{"package": "a", "first_install_time": "yesterday"}`},
		{"unknown attribute", `{"package": "a", "attributes": {"toaster": "x"}}`},
		{"unknown denied", `{"package": "a", "denied": ["toaster"]}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseStaticContext([]byte(tt.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadStaticContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctx.json")
	if err := os.WriteFile(path, []byte(`{"package": "com.example.app"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	sc, err := LoadStaticContext(path)
	if err != nil {
		t.Fatalf("LoadStaticContext: %v", err)
	}
	if sc.Package != "com.example.app" {
		t.Errorf("package = %q", sc.Package)
	}
}

func TestHostContext_ReadFilePermission(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root can read mode 0000 files")
	}
	root := t.TempDir()
	dir := filepath.Join(root, "sys", "class", "dmi", "id")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "product_serial"), []byte("ABC123\n"), 0o000); err != nil {
		t.Fatal(err)
	}

	h := &HostContext{Package: "com.example.app", Root: root}
	_, err := h.readFile("/sys/class/dmi/id/product_serial")
	if !errors.Is(err, identity.ErrPermissionDenied) {
		t.Fatalf("got %v, want ErrPermissionDenied", err)
	}
	_, err = h.readFile("/sys/class/dmi/id/missing")
	if !errors.Is(err, identity.ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

func TestHostContext_ReadFileTrims(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "etc"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "etc", "machine-id"), []byte("0123456789abcdef0123456789abcdef\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := &HostContext{Root: root}
	v, err := h.readFile("/etc/machine-id")
	if err != nil {
		t.Fatal(err)
	}
	if v != "0123456789abcdef0123456789abcdef" {
		t.Errorf("readFile = %q", v)
	}
}
