// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"
	authenticationv1 "k8s.io/api/authentication/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/payu/k8ssaidentityextension"
	"github.com/payu/k8ssaidentityextension/internal/k8sconfig"
	"github.com/payu/k8ssaidentityextension/internal/storage"
)

const (
	testNamespace = "k8s-s3-operator-system"
	testName      = "k8s-s3-operator-controller-manager"
	testUsername  = "system:serviceaccount:k8s-s3-operator-system:k8s-s3-operator-controller-manager"
)

var testGroups = []string{
	"system:serviceaccounts",
	"system:serviceaccounts:k8s-s3-operator-system",
	"system:authenticated",
}

type fakeStorage struct {
	location string
	objects  map[string]*storage.Object
	err      error
	puts     map[string]string
	calls    int
}

func (f *fakeStorage) BucketLocation(_ context.Context, bucket string) (string, error) {
	f.calls++
	if err := storage.ValidateBucketName(bucket); err != nil {
		return "", err
	}
	return f.location, f.err
}

func (f *fakeStorage) GetObject(_ context.Context, bucket, key string) (*storage.Object, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	obj, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, awserr.NewRequestFailure(awserr.New("NoSuchKey", "missing", nil), http.StatusNotFound, "req")
	}
	return obj, nil
}

func (f *fakeStorage) PutObject(_ context.Context, bucket, key string, body []byte) (string, error) {
	f.calls++
	if key == "" {
		return "", storage.ErrInvalidKey
	}
	if f.err != nil {
		return "", f.err
	}
	if f.puts == nil {
		f.puts = map[string]string{}
	}
	f.puts[bucket+"/"+key] = string(body)
	return `"etag"`, nil
}

type scenario struct {
	status authenticationv1.TokenReviewStatus
	saUID  string
}

func acceptedScenario() scenario {
	return scenario{
		status: authenticationv1.TokenReviewStatus{
			Authenticated: true,
			User: authenticationv1.UserInfo{
				Username: testUsername,
				Groups:   testGroups,
				UID:      "abc-123",
			},
		},
		saUID: "abc-123",
	}
}

func newTestServer(t *testing.T, sc scenario, store Storage, limiter *RateLimiter) (http.Handler, *fake.Clientset) {
	t.Helper()

	fakeClient := fake.NewClientset(&corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:      testName,
			Namespace: testNamespace,
			UID:       types.UID(sc.saUID),
		},
	})
	fakeClient.PrependReactor("create", "tokenreviews", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, &authenticationv1.TokenReview{Status: sc.status}, nil
	})

	cfg := &k8ssaidentityextension.Config{
		APIConfig:          k8sconfig.APIConfig{AuthType: k8sconfig.AuthTypeServiceAccount},
		Namespace:          testNamespace,
		ServiceAccountName: testName,
		Header:             k8ssaidentityextension.DefaultHeader,
	}
	logger := zaptest.NewLogger(t)
	auth := k8ssaidentityextension.NewAuthenticator(cfg, fakeClient, logger)

	if store == nil {
		store = &fakeStorage{}
	}
	return NewServer(auth, store, limiter, logger).Routes(), fakeClient
}

func serviceAccountGets(client *fake.Clientset) int {
	n := 0
	for _, action := range client.Actions() {
		if action.Matches("get", "serviceaccounts") {
			n++
		}
	}
	return n
}

func doRequest(h http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("token", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRootAndHealth(t *testing.T) {
	h, _ := newTestServer(t, acceptedScenario(), nil, nil)

	rec := doRequest(h, http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "app test service is up", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(CorrelationIDHeader))

	rec = doRequest(h, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestVerifyRoute(t *testing.T) {
	tests := []struct {
		name        string
		scenario    scenario
		token       string
		wantStatus  int
		wantReason  string
		wantLookups int
	}{
		{
			name:        "accepted",
			scenario:    acceptedScenario(),
			token:       "valid-token",
			wantStatus:  http.StatusOK,
			wantLookups: 1,
		},
		{
			name: "uid mismatch",
			scenario: func() scenario {
				sc := acceptedScenario()
				sc.saUID = "xyz-999"
				return sc
			}(),
			token:       "valid-token",
			wantStatus:  http.StatusForbidden,
			wantReason:  "invalid-uid",
			wantLookups: 1,
		},
		{
			name: "missing groups",
			scenario: func() scenario {
				sc := acceptedScenario()
				sc.status.User.Groups = []string{"system:authenticated"}
				return sc
			}(),
			token:       "valid-token",
			wantStatus:  http.StatusForbidden,
			wantReason:  "invalid-groups",
			wantLookups: 0,
		},
		{
			name: "wrong username",
			scenario: func() scenario {
				sc := acceptedScenario()
				sc.status.User.Username = "system:serviceaccount:default:default"
				return sc
			}(),
			token:       "valid-token",
			wantStatus:  http.StatusForbidden,
			wantReason:  "invalid-username",
			wantLookups: 0,
		},
		{
			name: "authority error",
			scenario: scenario{
				status: authenticationv1.TokenReviewStatus{Error: "invalid bearer token"},
				saUID:  "abc-123",
			},
			token:       "forged-token",
			wantStatus:  http.StatusInternalServerError,
			wantReason:  "authority-error",
			wantLookups: 0,
		},
		{
			name:        "missing token",
			scenario:    acceptedScenario(),
			token:       "",
			wantStatus:  http.StatusBadRequest,
			wantReason:  "malformed-request",
			wantLookups: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, fakeClient := newTestServer(t, tt.scenario, nil, nil)

			rec := doRequest(h, http.MethodPost, "/", tt.token, "")

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp VerifyResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantReason, resp.Reason)
			assert.Equal(t, tt.wantStatus == http.StatusOK, resp.Authenticated)
			assert.Equal(t, rec.Header().Get(CorrelationIDHeader), resp.CorrelationID)
			if resp.Authenticated {
				assert.Equal(t, testUsername, resp.Username)
				assert.Equal(t, testGroups, resp.Groups)
				assert.Equal(t, "abc-123", resp.UID)
			}
			assert.Equal(t, tt.wantLookups, serviceAccountGets(fakeClient))
		})
	}
}

func TestVerifyRouteKeepsCorrelationID(t *testing.T) {
	h, _ := newTestServer(t, acceptedScenario(), nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("token", "valid-token")
	req.Header.Set(CorrelationIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get(CorrelationIDHeader))
	var resp VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "req-42", resp.CorrelationID)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusFor(k8ssaidentityextension.ReasonNone))
	assert.Equal(t, http.StatusBadRequest, StatusFor(k8ssaidentityextension.ReasonMalformedRequest))
	assert.Equal(t, http.StatusForbidden, StatusFor(k8ssaidentityextension.ReasonInvalidGroups))
	assert.Equal(t, http.StatusForbidden, StatusFor(k8ssaidentityextension.ReasonInvalidUsername))
	assert.Equal(t, http.StatusForbidden, StatusFor(k8ssaidentityextension.ReasonInvalidUID))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(k8ssaidentityextension.ReasonAuthorityError))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(k8ssaidentityextension.ReasonInternal))
}

func TestStorageRoutesAreGated(t *testing.T) {
	sc := acceptedScenario()
	sc.saUID = "xyz-999"
	store := &fakeStorage{location: "eu-central-1"}
	h, _ := newTestServer(t, sc, store, nil)

	rec := doRequest(h, http.MethodGet, "/bucket/sample-bucket", "valid-token", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid-uid", resp.Reason)

	rec = doRequest(h, http.MethodGet, "/bucket/sample-bucket/obj-1", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(h, http.MethodPost, "/bucket/sample-bucket", "valid-token", `{"Key":"k","Body":1}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assert.Zero(t, store.calls)
}

func TestBucketLocationRoute(t *testing.T) {
	store := &fakeStorage{location: "eu-central-1"}
	h, _ := newTestServer(t, acceptedScenario(), store, nil)

	rec := doRequest(h, http.MethodGet, "/bucket/sample-bucket", "valid-token", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp BucketLocationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "eu-central-1", resp.LocationConstraint)

	rec = doRequest(h, http.MethodGet, "/bucket/xn--bad", "valid-token", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	store.err = awserr.NewRequestFailure(awserr.New("NoSuchBucket", "missing", nil), http.StatusNotFound, "req")
	rec = doRequest(h, http.MethodGet, "/bucket/sample-bucket", "valid-token", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "NoSuchBucket", errResp.Error)
}

func TestGetObjectRoute(t *testing.T) {
	store := &fakeStorage{objects: map[string]*storage.Object{
		"sample-bucket/dir/obj-1": {Body: []byte(`{"hello":"world"}`), ContentType: "application/json"},
	}}
	h, _ := newTestServer(t, acceptedScenario(), store, nil)

	rec := doRequest(h, http.MethodGet, "/bucket/sample-bucket/dir/obj-1", "valid-token", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `{"hello":"world"}`, rec.Body.String())

	rec = doRequest(h, http.MethodGet, "/bucket/sample-bucket/missing", "valid-token", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "error to get obj", errResp.Error)
}

func TestPutObjectRoute(t *testing.T) {
	store := &fakeStorage{}
	h, _ := newTestServer(t, acceptedScenario(), store, nil)

	rec := doRequest(h, http.MethodPost, "/bucket/sample-bucket", "valid-token", `{"Key":"obj-1","Body":{"a":[1,2]}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"a":[1,2]}`, store.puts["sample-bucket/obj-1"])

	rec = doRequest(h, http.MethodPost, "/bucket/sample-bucket", "valid-token", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(h, http.MethodPost, "/bucket/sample-bucket", "valid-token", `{"Body":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	store.err = errors.New("connection reset")
	rec = doRequest(h, http.MethodPost, "/bucket/sample-bucket", "valid-token", `{"Key":"obj-2","Body":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h, _ := newTestServer(t, acceptedScenario(), nil, NewRateLimiter(rate.Limit(0.001), 2))

	for i := 0; i < 2; i++ {
		rec := doRequest(h, http.MethodPost, "/", "valid-token", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doRequest(h, http.MethodPost, "/", "valid-token", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewRateLimiter(rate.Limit(0.001), 1)
	l.now = func() time.Time { return now }
	l.lastSweep = now

	require.True(t, l.limiter("10.0.0.1").Allow())
	require.True(t, l.limiter("10.0.0.2").Allow())
	assert.False(t, l.limiter("10.0.0.1").Allow())
	assert.Equal(t, 2, l.size())

	// 10.0.0.2 stays active, 10.0.0.1 goes idle
	now = now.Add(limiterIdleTTL / 2)
	l.limiter("10.0.0.2")
	now = now.Add(limiterIdleTTL / 2)
	l.limiter("10.0.0.3")

	assert.Equal(t, 2, l.size())
	assert.True(t, l.limiter("10.0.0.1").Allow(), "evicted client starts with a full bucket")
	assert.Equal(t, 3, l.size())
}

func TestRecoverMiddleware(t *testing.T) {
	logger := zaptest.NewLogger(t)
	h := CorrelationIDMiddleware(LoggingMiddleware(logger)(RecoverMiddleware(logger)(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))))

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error": "internal server error"}`, rec.Body.String())
}
