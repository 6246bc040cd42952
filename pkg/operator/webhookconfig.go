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
	"fmt"

	"github.com/pkg/errors"
	arv1 "k8s.io/api/admissionregistration/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	v1 "k8s.io/client-go/kubernetes/typed/admissionregistration/v1"

	"github.com/kuroboros-dev/kuroboros/pkg/groupversion"
)

// WebhookRule names one admission path to register against the apiserver:
// which CR kind it watches, which HTTP path the webhook server exposes for
// it, and which operations should trigger a call.
type WebhookRule struct {
	GroupVersion groupversion.GroupVersionInfo
	Path         string
	Operations   []arv1.OperationType
}

// ValidatingWebhookConfig builds a config registering one webhook per rule
// against the operator's own webhook service. The default policy for a
// failed admission is Ignore, matching the teacher's conservative default
// for an admission path that is not expected to be load-bearing for cluster
// stability.
func ValidatingWebhookConfig(name, namespace string, caBundle []byte, rules []WebhookRule, ors ...metav1.OwnerReference) *arv1.ValidatingWebhookConfiguration {
	vwc := &arv1.ValidatingWebhookConfiguration{
		ObjectMeta: metav1.ObjectMeta{
			Name:            name,
			OwnerReferences: ors,
		},
	}
	policy := arv1.Ignore
	sideEffects := arv1.SideEffectClassNone

	for _, r := range rules {
		p := r.Path
		vwc.Webhooks = append(vwc.Webhooks, arv1.ValidatingWebhook{
			Name: fmt.Sprintf("%s.%s.%s.svc", r.GroupVersion.Plural, name, namespace),
			ClientConfig: arv1.WebhookClientConfig{
				Service: &arv1.ServiceReference{
					Name:      name,
					Namespace: namespace,
					Path:      &p,
				},
				CABundle: caBundle,
			},
			Rules: []arv1.RuleWithOperations{
				{
					Operations: r.Operations,
					Rule: arv1.Rule{
						APIGroups:   []string{r.GroupVersion.Group},
						APIVersions: []string{r.GroupVersion.APIVersion},
						Resources:   []string{r.GroupVersion.Plural},
					},
				},
			},
			FailurePolicy:           &policy,
			SideEffects:             &sideEffects,
			AdmissionReviewVersions: []string{"v1"},
		})
	}
	return vwc
}

// UpsertValidatingWebhookConfig creates in if absent, or replaces it in
// place (fetching the current resourceVersion first) if one already exists.
func UpsertValidatingWebhookConfig(ctx context.Context, api v1.ValidatingWebhookConfigurationInterface, in *arv1.ValidatingWebhookConfiguration) (*arv1.ValidatingWebhookConfiguration, error) {
	out, err := api.Create(ctx, in, metav1.CreateOptions{})
	switch {
	case err == nil:
		return out, nil
	case k8serrors.IsAlreadyExists(err) && len(in.Name) > 0:
		existing, err := api.Get(ctx, in.Name, metav1.GetOptions{})
		if err != nil {
			return nil, errors.Wrap(err, "getting existing config")
		}
		in.ResourceVersion = existing.ResourceVersion
		out, err = api.Update(ctx, in, metav1.UpdateOptions{})
		if err != nil {
			return nil, errors.Wrap(err, "updating existing config")
		}
		return out, nil
	default:
		return nil, errors.Wrap(err, "creating config")
	}
}
