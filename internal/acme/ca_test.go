package acme

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	legoacme "github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testCA 最小的 ACME 服务端：不校验签名，每个响应都带新的 Replay-Nonce
type testCA struct {
	srv *httptest.Server

	mu          sync.Mutex
	nonce       int
	hits        map[string]int
	identifiers []legoacme.Identifier
	validated   map[int]bool
	csr         *x509.CertificateRequest
	chain       []byte

	// intercept 返回 true 表示请求已处理
	intercept func(w http.ResponseWriter, r *http.Request) bool
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	ca := &testCA{
		hits:      make(map[string]int),
		validated: make(map[int]bool),
		chain:     testChain(t),
	}
	ca.srv = httptest.NewTLSServer(http.HandlerFunc(ca.serve))
	t.Cleanup(ca.srv.Close)
	return ca
}

func testChain(t *testing.T) []byte {
	t.Helper()
	var chain []byte
	for _, cn := range []string{"example.com", "Test Issuer"} {
		key, err := certcrypto.GeneratePrivateKey(certcrypto.RSA2048)
		require.NoError(t, err)
		cert, err := certcrypto.GeneratePemCert(key.(*rsa.PrivateKey), cn, nil)
		require.NoError(t, err)
		chain = append(chain, cert...)
	}
	return chain
}

func (ca *testCA) url(path string) string { return ca.srv.URL + path }

func (ca *testCA) client(t *testing.T) *Client {
	t.Helper()
	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	require.NoError(t, err)

	c, err := NewClient(Config{
		DirectoryURL:  ca.url("/directory"),
		Email:         "ops@example.com",
		AccountKey:    key,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		Transport:     ca.srv.Client().Transport,
	}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func (ca *testCA) setIntercept(fn func(w http.ResponseWriter, r *http.Request) bool) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.intercept = fn
}

func (ca *testCA) hitCount(path string) int {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.hits[path]
}

func (ca *testCA) serve(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	ca.hits[r.URL.Path]++
	ca.nonce++
	nonce := "nonce-" + strconv.Itoa(ca.nonce)
	intercept := ca.intercept
	ca.mu.Unlock()

	w.Header().Set("Replay-Nonce", nonce)
	if intercept != nil && intercept(w, r) {
		return
	}

	path := r.URL.Path
	switch {
	case path == "/directory":
		writeJSON(w, http.StatusOK, legoacme.Directory{
			NewNonceURL:   ca.url("/nonce"),
			NewAccountURL: ca.url("/account"),
			NewOrderURL:   ca.url("/order"),
			RevokeCertURL: ca.url("/revoke"),
			KeyChangeURL:  ca.url("/key-change"),
		})

	case path == "/nonce":
		w.WriteHeader(http.StatusOK)

	case path == "/account":
		var acct legoacme.Account
		decodePayload(r, &acct)
		acct.Status = legoacme.StatusValid
		w.Header().Set("Location", ca.url("/acct/1"))
		writeJSON(w, http.StatusCreated, acct)

	case path == "/order":
		var req legoacme.Order
		decodePayload(r, &req)
		ca.mu.Lock()
		ca.identifiers = req.Identifiers
		ca.mu.Unlock()
		w.Header().Set("Location", ca.url("/orders/1"))
		writeJSON(w, http.StatusCreated, ca.order(legoacme.StatusPending, ""))

	case strings.HasPrefix(path, "/authz/"):
		i, _ := strconv.Atoi(strings.TrimPrefix(path, "/authz/"))
		writeJSON(w, http.StatusOK, ca.authorization(i))

	case strings.HasPrefix(path, "/chall/"):
		parts := strings.Split(strings.TrimPrefix(path, "/chall/"), "/")
		i, _ := strconv.Atoi(parts[0])
		ca.mu.Lock()
		ca.validated[i] = true
		ca.mu.Unlock()
		writeJSON(w, http.StatusOK, legoacme.Challenge{
			Type:   parts[1],
			URL:    ca.url(path),
			Token:  token(i),
			Status: legoacme.StatusProcessing,
		})

	case path == "/finalize/1":
		var msg legoacme.CSRMessage
		decodePayload(r, &msg)
		der, err := base64.RawURLEncoding.DecodeString(msg.Csr)
		if err == nil {
			var csr *x509.CertificateRequest
			if csr, err = x509.ParseCertificateRequest(der); err == nil {
				ca.mu.Lock()
				ca.csr = csr
				ca.mu.Unlock()
			}
		}
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "badCSR", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, ca.order(legoacme.StatusProcessing, ""))

	case path == "/orders/1":
		writeJSON(w, http.StatusOK, ca.order(legoacme.StatusValid, ca.url("/cert/1")))

	case path == "/cert/1":
		w.Header().Set("Content-Type", "application/pem-certificate-chain")
		_, _ = w.Write(ca.chain)

	default:
		writeProblem(w, http.StatusNotFound, "malformed", "unknown resource "+path)
	}
}

func (ca *testCA) order(status, certURL string) legoacme.Order {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	o := legoacme.Order{
		Status:      status,
		Identifiers: ca.identifiers,
		Finalize:    ca.url("/finalize/1"),
		Certificate: certURL,
	}
	for i := range ca.identifiers {
		o.Authorizations = append(o.Authorizations, ca.url(fmt.Sprintf("/authz/%d", i)))
	}
	return o
}

// authorization 通配符授权只提供 dns-01
func (ca *testCA) authorization(i int) legoacme.Authorization {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	value := ca.identifiers[i].Value
	wildcard := strings.HasPrefix(value, "*.")
	status := legoacme.StatusPending
	if ca.validated[i] {
		status = legoacme.StatusValid
	}

	types := []string{ChallengeHTTP01, ChallengeDNS01}
	if wildcard {
		types = []string{ChallengeDNS01}
	}
	authz := legoacme.Authorization{
		Status:     status,
		Identifier: legoacme.Identifier{Type: "dns", Value: strings.TrimPrefix(value, "*.")},
		Wildcard:   wildcard,
	}
	for _, typ := range types {
		authz.Challenges = append(authz.Challenges, legoacme.Challenge{
			Type:   typ,
			URL:    ca.url(fmt.Sprintf("/chall/%d/%s", i, typ)),
			Token:  token(i),
			Status: status,
		})
	}
	return authz
}

func token(i int) string { return "token-" + strconv.Itoa(i) }

func decodePayload(r *http.Request, v any) {
	body, _ := io.ReadAll(r.Body)
	var jws struct {
		Payload string `json:"payload"`
	}
	if json.Unmarshal(body, &jws) != nil || jws.Payload == "" {
		return
	}
	data, err := base64.RawURLEncoding.DecodeString(jws.Payload)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, typ, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(legoacme.ProblemDetails{
		Type:       problemPrefix + typ,
		Detail:     detail,
		HTTPStatus: status,
	})
}
