package api

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/org/keybackup/internal/auth"
	"github.com/org/keybackup/internal/storage"
	"github.com/org/keybackup/internal/transition"
)

const (
	testGUID   = "75CA077A14C5E45037D7A0740D5602A5"
	testCNUUID = "15966912-8fad-41cd-bd82-abe6f7a8910c"
	testTarget = "00000000-0000-4000-8000-000000000001"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := NewServer(storage.NewMemory(), transition.InstantTasker{}, Config{})
	ts := httptest.NewServer(srv.BuildRouter())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	var out map[string]any
	json.Unmarshal(data, &out) //nolint:errcheck
	return resp, out
}

func doJSONList(t *testing.T, url string) (*http.Response, []map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out []map[string]any
	json.NewDecoder(resp.Body).Decode(&out) //nolint:errcheck
	return resp, out
}

// waitTransition polls a transition until it finishes.
func waitTransition(t *testing.T, base, uuid string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, tr := doJSON(t, "GET", base+"/transitions/"+uuid, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET transition: %d", resp.StatusCode)
		}
		if tr["finished"] != nil {
			return tr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("transition never finished")
	return nil
}

// runAction drives one lifecycle action through the transition
// endpoint and waits for the engine to finish it.
func runAction(t *testing.T, base, cfgUUID, action string) {
	t.Helper()
	resp, tr := doJSON(t, "POST", base+"/recovery-configurations/"+cfgUUID+"/"+action,
		map[string]any{"targets": []string{testTarget}}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST %s: %d %v", action, resp.StatusCode, tr)
	}
	done := waitTransition(t, base, tr["uuid"].(string))
	if done["aborted"] == true {
		t.Fatalf("%s transition aborted", action)
	}
}

func pivTokenBody(pubkey9e string) map[string]any {
	return map[string]any{
		"guid":    testGUID,
		"cn_uuid": testCNUUID,
		"pubkeys": map[string]string{
			"9a": "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIKaa pivauth",
			"9d": "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIKbb keymgmt",
			"9e": pubkey9e,
		},
		"model":  "Yubico YubiKey 5",
		"serial": "5213681",
		"pin":    "123456",
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, "GET", ts.URL+"/health", nil, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
}

func TestRecoveryConfigLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp, cfg := doJSON(t, "POST", ts.URL+"/recovery-configurations",
		map[string]any{"template": "tpl-A"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create config: %d %v", resp.StatusCode, cfg)
	}
	uuid := cfg["uuid"].(string)

	// Same template again is a conflict.
	resp, _ = doJSON(t, "POST", ts.URL+"/recovery-configurations",
		map[string]any{"template": "tpl-A"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate template: %d, want 409", resp.StatusCode)
	}

	// Empty template is a validation failure.
	resp, _ = doJSON(t, "POST", ts.URL+"/recovery-configurations",
		map[string]any{}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("empty template: %d, want 422", resp.StatusCode)
	}

	runAction(t, ts.URL, uuid, "stage")
	runAction(t, ts.URL, uuid, "activate")

	resp, got := doJSON(t, "GET", ts.URL+"/recovery-configurations/"+uuid, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get config: %d", resp.StatusCode)
	}
	if got["activated"] == nil {
		t.Fatalf("config not activated: %v", got)
	}

	resp, list := doJSONList(t, ts.URL+"/recovery-configurations?state=active")
	if resp.StatusCode != http.StatusOK || len(list) != 1 {
		t.Fatalf("list active: %d %v", resp.StatusCode, list)
	}
}

func TestPIVTokenFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	// Without an active configuration, enrolment is rejected and
	// nothing is persisted.
	resp, body := doJSON(t, "POST", ts.URL+"/pivtokens", pivTokenBody("ssh-ed25519 AAAA cardauth"), nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("create without config: %d %v", resp.StatusCode, body)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("ssh pubkey: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("ssh signer: %v", err)
	}
	pubkey9e := string(ssh.MarshalAuthorizedKey(sshPub))

	_, cfg := doJSON(t, "POST", ts.URL+"/recovery-configurations",
		map[string]any{"template": "tpl-A"}, nil)
	runAction(t, ts.URL, cfg["uuid"].(string), "stage")
	runAction(t, ts.URL, cfg["uuid"].(string), "activate")

	resp, created := doJSON(t, "POST", ts.URL+"/pivtokens", pivTokenBody(pubkey9e), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %v", resp.StatusCode, created)
	}
	rtoks := created["recovery_tokens"].([]any)
	if len(rtoks) != 1 {
		t.Fatalf("recovery_tokens: %v", rtoks)
	}
	secret := rtoks[0].(map[string]any)["token"].(string)

	// The public view never carries the pin.
	resp, got := doJSON(t, "GET", ts.URL+"/pivtokens/"+testGUID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d", resp.StatusCode)
	}
	if _, leaked := got["pin"]; leaked {
		t.Fatalf("get leaked pin: %v", got)
	}

	// The pin endpoint requires a valid signature.
	resp, _ = doJSON(t, "GET", ts.URL+"/pivtokens/"+testGUID+"/pin", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("pin without auth: %d, want 401", resp.StatusCode)
	}

	date := time.Now().UTC().Format(http.TimeFormat)
	sig, err := signer.Sign(rand.Reader, auth.SignPayload(date))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	sigHeaders := map[string]string{
		"Date": date,
		"Authorization": fmt.Sprintf("Signature keyId=%q,algorithm=%q,signature=%q",
			testGUID, "ed25519", base64.StdEncoding.EncodeToString(sig.Blob)),
	}
	resp, got = doJSON(t, "GET", ts.URL+"/pivtokens/"+testGUID+"/pin", nil, sigHeaders)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pin with signature: %d %v", resp.StatusCode, got)
	}
	if got["pin"] != "123456" {
		t.Fatalf("pin: %v", got["pin"])
	}

	// A duplicate enrolment with a valid signature returns the
	// existing record instead of a conflict.
	resp, _ = doJSON(t, "POST", ts.URL+"/pivtokens", pivTokenBody(pubkey9e), sigHeaders)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signed re-enrol: %d, want 200", resp.StatusCode)
	}
	resp, _ = doJSON(t, "POST", ts.URL+"/pivtokens", pivTokenBody(pubkey9e), nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("unsigned re-enrol: %d, want 409", resp.StatusCode)
	}

	// Only cn_uuid may change.
	resp, _ = doJSON(t, "PUT", ts.URL+"/pivtokens/"+testGUID,
		map[string]string{"pin": "000000"}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("pin update: %d, want 422", resp.StatusCode)
	}
	resp, got = doJSON(t, "PUT", ts.URL+"/pivtokens/"+testGUID,
		map[string]string{"cn_uuid": "aabb6912-8fad-41cd-bd82-abe6f7a8910c"}, nil)
	if resp.StatusCode != http.StatusOK || got["cn_uuid"] != "aabb6912-8fad-41cd-bd82-abe6f7a8910c" {
		t.Fatalf("cn_uuid update: %d %v", resp.StatusCode, got)
	}

	// Recovery requires HMAC auth with a current recovery token.
	newBody := pivTokenBody(pubkey9e)
	newBody["serial"] = "9999999"
	resp, _ = doJSON(t, "POST", ts.URL+"/pivtokens/"+testGUID+"/recover", newBody, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("recover without auth: %d, want 401", resp.StatusCode)
	}
	date = time.Now().UTC().Format(http.TimeFormat)
	hmacHeaders := map[string]string{
		"Date":          date,
		"Authorization": auth.HmacAuthorization(secret, date),
	}
	resp, recovered := doJSON(t, "POST", ts.URL+"/pivtokens/"+testGUID+"/recover", newBody, hmacHeaders)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("recover: %d %v", resp.StatusCode, recovered)
	}

	// The pre-recovery state is archived.
	resp, _ = doJSON(t, "GET", ts.URL+"/pivtokens/"+testGUID+"/history", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: %d", resp.StatusCode)
	}

	// Delete removes the token; a second delete is a 404.
	req, _ := http.NewRequest("DELETE", ts.URL+"/pivtokens/"+testGUID, nil)
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d, want 204", dresp.StatusCode)
	}
	resp, _ = doJSON(t, "GET", ts.URL+"/pivtokens/"+testGUID, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: %d, want 404", resp.StatusCode)
	}
}

func TestTransitionEndpoints(t *testing.T) {
	ts := newTestServer(t)

	_, cfg := doJSON(t, "POST", ts.URL+"/recovery-configurations",
		map[string]any{"template": "tpl-A"}, nil)
	uuid := cfg["uuid"].(string)

	// Unknown action on the config resource is a validation error.
	resp, _ := doJSON(t, "POST", ts.URL+"/recovery-configurations/"+uuid+"/explode",
		map[string]any{"targets": []string{testTarget}}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bad action: %d, want 422", resp.StatusCode)
	}

	resp, tr := doJSON(t, "POST", ts.URL+"/recovery-configurations/"+uuid+"/stage",
		map[string]any{"targets": []string{testTarget}}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("stage: %d %v", resp.StatusCode, tr)
	}
	done := waitTransition(t, ts.URL, tr["uuid"].(string))
	if done["locked_by"] != nil {
		t.Fatalf("finished transition still locked: %v", done)
	}

	resp, list := doJSONList(t, ts.URL+"/transitions?recovery_config_uuid="+uuid)
	if resp.StatusCode != http.StatusOK || len(list) != 1 {
		t.Fatalf("list transitions: %d %v", resp.StatusCode, list)
	}

	// Aborting a finished transition is rejected.
	resp, _ = doJSON(t, "POST", ts.URL+"/transitions/"+tr["uuid"].(string)+"/abort", nil, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("abort finished: %d, want 422", resp.StatusCode)
	}
}
