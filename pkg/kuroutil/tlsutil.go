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

package kuroutil

import (
	"crypto/tls"

	"github.com/pkg/errors"
	certutil "k8s.io/client-go/util/cert"
)

// SelfSignedCert generates a self-signed TLS certificate for the given DNS
// names (typically "<service>.<namespace>.svc"), for use by the webhook
// server when the operator is not configured to request a kube-apiserver
// signed certificate via CreateSignedKeyPair. It also returns the PEM-encoded
// certificate bytes, since callers registering a ValidatingWebhookConfiguration
// need them again as the admission webhook's caBundle.
func SelfSignedCert(commonName string, dnsNames ...string) (tls.Certificate, []byte, error) {
	certBytes, keyBytes, err := certutil.GenerateSelfSignedCertKey(commonName, nil, dnsNames)
	if err != nil {
		return tls.Certificate{}, nil, errors.Wrap(err, "generate self-signed cert")
	}

	cert, err := tls.X509KeyPair(certBytes, keyBytes)
	if err != nil {
		return tls.Certificate{}, nil, errors.Wrap(err, "build tls certificate")
	}
	return cert, certBytes, nil
}
