// Copyright 2025 NORDUnet A/S
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nsi

import (
	"github.com/google/uuid"
)

// ProtocolVersion of the NSI connection service spoken by this
// implementation.
const ProtocolVersion = "application/vnd.ogf.nsi.cs.v2.provider+soap"

// ServiceTypeP2P is the service type URI of the point-to-point EVTS service.
const ServiceTypeP2P = "http://services.ogf.org/nsi/2013/12/descriptions/EVTS.A-GOLE"

// SecurityAttribute is one SAML-ish attribute carried in the header.
type SecurityAttribute struct {
	Type  string
	Value string
}

// Header is the NSI message header present on every request and callback.
type Header struct {
	ProtocolVersion    string
	CorrelationID      string
	RequesterNSA       string
	ProviderNSA        string
	ReplyTo            string
	SecurityAttributes []SecurityAttribute
	ConnectionTrace    []string
}

// NewHeader creates a header with a fresh correlation id.
func NewHeader(requesterNSA, providerNSA string) Header {
	return Header{
		ProtocolVersion: ProtocolVersion,
		CorrelationID:   "urn:uuid:" + uuid.NewString(),
		RequesterNSA:    requesterNSA,
		ProviderNSA:     providerNSA,
	}
}

// Reply derives the callback header for responses and notifications: the
// correlation id is preserved and the roles stay as seen by the requester.
func (h Header) Reply() Header {
	return Header{
		ProtocolVersion: h.ProtocolVersion,
		CorrelationID:   h.CorrelationID,
		RequesterNSA:    h.RequesterNSA,
		ProviderNSA:     h.ProviderNSA,
		ConnectionTrace: h.ConnectionTrace,
	}
}
