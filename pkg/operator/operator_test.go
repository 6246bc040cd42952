// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package operator

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	arv1 "k8s.io/api/admissionregistration/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/kuroboros-dev/kuroboros/pkg/groupversion"
)

// stubController is a minimal managedController used to exercise Operator
// without depending on pkg/controller's watch machinery.
type stubController struct {
	mu      sync.Mutex
	running bool
	dead    chan struct{}
}

func newStubController() *stubController {
	return &stubController{dead: make(chan struct{})}
}

func (c *stubController) Run(ctx context.Context) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	return nil
}

func (c *stubController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	select {
	case <-c.dead:
	default:
		close(c.dead)
	}
}

func (c *stubController) Dead() <-chan struct{} { return c.dead }

func newTestOperator(t *testing.T) (*Operator, *fake.Clientset) {
	t.Helper()
	kube := fake.NewSimpleClientset()
	dyn := dynamicfake.NewSimpleDynamicClient(runtime.NewScheme())
	op, err := New(Options{Name: "widgets-operator", Namespace: "default"}, dyn, kube, nil, nil)
	require.NoError(t, err)
	op.elector.AcquireInterval = 10 * time.Millisecond
	return op, kube
}

func TestNewRejectsMissingName(t *testing.T) {
	kube := fake.NewSimpleClientset()
	dyn := dynamicfake.NewSimpleDynamicClient(runtime.NewScheme())
	_, err := New(Options{}, dyn, kube, nil, nil)
	assert.Error(t, err)
}

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	op, _ := newTestOperator(t)
	require.NoError(t, op.Register("widgets", newStubController()))
	assert.Error(t, op.Register("widgets", newStubController()))
}

func TestStartRejectsBothSkips(t *testing.T) {
	op, _ := newTestOperator(t)
	err := op.Start(context.Background(), true, true, nil)
	assert.Error(t, err)
}

func TestStartRejectsNoControllers(t *testing.T) {
	op, _ := newTestOperator(t)
	err := op.Start(context.Background(), false, true, nil)
	assert.Error(t, err)
}

func TestStartRunsRegisteredControllersAfterElection(t *testing.T) {
	op, _ := newTestOperator(t)
	ctrl := newStubController()
	require.NoError(t, op.Register("widgets", ctrl))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- op.Start(ctx, false, true, nil) }()

	require.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return ctrl.running
	}, time.Second, 10*time.Millisecond)

	assert.True(t, op.IsLeader())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.False(t, ctrl.running)
}

type stubWebhookEndpoint struct{ path string }

func (e stubWebhookEndpoint) Path() string { return e.path }
func (e stubWebhookEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestStartBootstrapsWebhookServerWithSelfSignedCert(t *testing.T) {
	kube := fake.NewSimpleClientset()
	dyn := dynamicfake.NewSimpleDynamicClient(runtime.NewScheme())
	op, err := New(Options{
		Name:        "widgets-operator",
		Namespace:   "default",
		CASelfSign:  true,
		WebhookAddr: "127.0.0.1:0",
	}, dyn, kube, nil, nil)
	require.NoError(t, err)

	gvi, err := groupversion.New("example.com", "v1", "Widget")
	require.NoError(t, err)
	rules := []WebhookRule{{GroupVersion: gvi, Path: "/v1/widget/validate", Operations: []arv1.OperationType{arv1.Create}}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- op.Start(ctx, true, false, rules, stubWebhookEndpoint{path: "/v1/widget/validate"})
	}()

	require.Eventually(t, func() bool {
		_, err := kube.AdmissionregistrationV1().ValidatingWebhookConfigurations().Get(context.Background(), "widgets-operator", metav1.GetOptions{})
		return err == nil
	}, time.Second, 10*time.Millisecond)

	vwc, err := kube.AdmissionregistrationV1().ValidatingWebhookConfigurations().Get(context.Background(), "widgets-operator", metav1.GetOptions{})
	require.NoError(t, err)
	require.Len(t, vwc.Webhooks, 1)
	assert.NotEmpty(t, vwc.Webhooks[0].ClientConfig.CABundle)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}

func TestStartSurfacesControllerDeathAsFatal(t *testing.T) {
	op, _ := newTestOperator(t)
	ctrl := newStubController()
	require.NoError(t, op.Register("widgets", ctrl))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- op.Start(ctx, false, true, nil) }()

	require.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return ctrl.running
	}, time.Second, 10*time.Millisecond)

	close(ctrl.dead)

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not observe controller death")
	}
}
