// Copyright 2021 Google LLC
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
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	certsv1 "k8s.io/api/certificates/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	certutil "k8s.io/client-go/util/cert"
	"k8s.io/client-go/util/certificate/csr"
	"k8s.io/client-go/util/keyutil"
)

// csrUsages are the key usages the apiserver's built-in signer requires of a
// serving certificate. KubeletServingSignerName is the only signer shipped
// with a stock cluster that both auto-issues (once approved) and allows
// ServerAuth + SAN DNS names — there is no generic "serving cert for any
// in-cluster service" signer, so the webhook server's certificate rides on
// the same one kubelets use for their own serving certs.
const webhookSignerName = certsv1.KubeletServingSignerName

var csrUsages = []certsv1.KeyUsage{
	certsv1.UsageDigitalSignature,
	certsv1.UsageKeyEncipherment,
	certsv1.UsageServerAuth,
}

// CreateSignedKeyPair requests a kube-apiserver-signed serving certificate
// for fqdn, approves the request under the operator's own identity, and
// blocks until the signer issues it. It returns the PEM-encoded certificate
// and its PEM-encoded RSA private key. Any CertificateSigningRequest left
// over from a previous run under the same fqdn is deleted first, since the
// apiserver refuses to accept a second request for a name already in use.
func CreateSignedKeyPair(ctx context.Context, client kubernetes.Interface, fqdn string, logger log.Logger) ([]byte, []byte, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	if err := deleteStaleCSR(ctx, client, fqdn); err != nil {
		return nil, nil, errors.Wrap(err, "delete stale csr")
	}

	name, key, err := submitCSR(client, fqdn)
	if err != nil {
		return nil, nil, errors.Wrap(err, "submit csr")
	}
	level.Debug(logger).Log("msg", "submitted webhook serving csr", "name", name)

	certPEM, err := approveAndAwait(ctx, client, name)
	if err != nil {
		return nil, key, errors.Wrap(err, "approve and await csr")
	}
	level.Debug(logger).Log("msg", "webhook serving csr issued", "name", name)
	return certPEM, key, nil
}

// submitCSR generates an RSA key pair and submits a CertificateSigningRequest
// for fqdn, returning the request's name and the PEM-encoded private key.
func submitCSR(client kubernetes.Interface, fqdn string) (string, []byte, error) {
	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: fqdn},
		DNSNames: []string{fqdn},
	}

	keyPair, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", nil, errors.Wrap(err, "generate rsa key")
	}
	csrBytes, err := certutil.MakeCSRFromTemplate(keyPair, template)
	if err != nil {
		return "", nil, errors.Wrap(err, "build csr from template")
	}
	name, _, err := csr.RequestCertificate(client, csrBytes, fqdn, webhookSignerName, nil, csrUsages, keyPair)
	if err != nil {
		return name, nil, errors.Wrap(err, "request certificate")
	}

	var keyBuf bytes.Buffer
	if err := pem.Encode(&keyBuf, &pem.Block{
		Type:  keyutil.RSAPrivateKeyBlockType,
		Bytes: x509.MarshalPKCS1PrivateKey(keyPair),
	}); err != nil {
		return name, nil, errors.Wrap(err, "pem-encode private key")
	}
	return name, keyBuf.Bytes(), nil
}

// deleteStaleCSR removes any CertificateSigningRequest left over from a
// previous run under the same name, tolerating the common case where none
// exists.
func deleteStaleCSR(ctx context.Context, client kubernetes.Interface, name string) error {
	err := client.CertificatesV1().CertificateSigningRequests().Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return nil
}

// approveAndAwait approves the named CertificateSigningRequest — the
// operator is both requester and approver here, which is why its own RBAC
// must grant it "approve" on the webhookSignerName signer — then blocks
// until the apiserver's signing controller issues the certificate.
func approveAndAwait(ctx context.Context, client kubernetes.Interface, name string) ([]byte, error) {
	api := client.CertificatesV1().CertificateSigningRequests()

	req, err := api.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "get csr")
	}
	req.Status.Conditions = append(req.Status.Conditions, certsv1.CertificateSigningRequestCondition{
		Type:   certsv1.CertificateApproved,
		Status: "True",
		Reason: "KuroborosOperatorApproval",
	})
	req, err = api.UpdateApproval(ctx, name, req, metav1.UpdateOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "approve csr")
	}

	certPEM, err := csr.WaitForCertificate(ctx, client, req.Name, req.UID)
	if err != nil {
		return nil, errors.Wrap(err, "wait for signer")
	}
	return certPEM, nil
}
