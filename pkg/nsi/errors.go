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
	"errors"

	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

// Error kinds of the NSI connection service. Errors raised anywhere in the
// service join one of these sentinels so that the wire layers can classify
// them with errors.Is.
var (
	// ErrPayload indicates a malformed request, a missing parameter, a
	// reversed duration or a start time in the past.
	ErrPayload = serrors.New("payload error")
	// ErrTopology indicates an unknown network or port, a label type
	// mismatch, or that no path exists.
	ErrTopology = serrors.New("topology error")
	// ErrSTPUnavailable indicates a calendar conflict or that no label value
	// intersects.
	ErrSTPUnavailable = serrors.New("stp unavailable")
	// ErrConnectionNonExistent indicates a lookup of an unknown connection.
	ErrConnectionNonExistent = serrors.New("connection non-existent")
	// ErrConnectionGone indicates a lookup of a terminated connection.
	ErrConnectionGone = serrors.New("connection gone")
	// ErrInvalidTransition indicates a disallowed state machine transition.
	ErrInvalidTransition = serrors.New("invalid state transition")
	// ErrUnauthorized indicates that the requester's security attributes do
	// not grant access to a port.
	ErrUnauthorized = serrors.New("unauthorized")
	// ErrInternalNRM indicates that a device command failed.
	ErrInternalNRM = serrors.New("internal NRM error")
	// ErrDownstreamNSA indicates that a remote NSA was unreachable or
	// returned a server error.
	ErrDownstreamNSA = serrors.New("downstream NSA error")
	// ErrInternalServer is the catch-all for unclassified failures.
	ErrInternalServer = serrors.New("internal server error")
)

// NSI-CS error ids carried in serviceException elements.
const (
	ErrorIDPayload               = "00100"
	ErrorIDInvalidTransition     = "00201"
	ErrorIDConnectionExists      = "00202"
	ErrorIDConnectionNonExistent = "00203"
	ErrorIDConnectionGone        = "00204"
	ErrorIDUnauthorized          = "00302"
	ErrorIDTopology              = "00400"
	ErrorIDNoPathFound           = "00403"
	ErrorIDInternalError         = "00500"
	ErrorIDInternalNRMError      = "00501"
	ErrorIDSTPUnavailable        = "00601"
	ErrorIDDownstreamNSA         = "00502"
)

// TypeValuePair is one variable of a serviceException.
type TypeValuePair struct {
	Type  string `xml:"type" json:"type"`
	Value string `xml:"value" json:"value"`
}

// ServiceException is the fault detail of the NSI connection service.
type ServiceException struct {
	NsaID        string          `xml:"nsaId" json:"nsa_id"`
	ConnectionID string          `xml:"connectionId,omitempty" json:"connection_id,omitempty"`
	ErrorID      string          `xml:"errorId" json:"error_id"`
	Text         string          `xml:"text" json:"text"`
	Variables    []TypeValuePair `xml:"variables>variable,omitempty" json:"variables,omitempty"`
}

// Error implements the error interface.
func (e *ServiceException) Error() string {
	return "serviceException " + e.ErrorID + ": " + e.Text
}

// ErrorID maps an error to the NSI error id of its kind.
func ErrorID(err error) string {
	switch {
	case errors.Is(err, ErrPayload), errors.Is(err, ErrEmptyLabelSet):
		return ErrorIDPayload
	case errors.Is(err, ErrInvalidTransition):
		return ErrorIDInvalidTransition
	case errors.Is(err, ErrConnectionNonExistent):
		return ErrorIDConnectionNonExistent
	case errors.Is(err, ErrConnectionGone):
		return ErrorIDConnectionGone
	case errors.Is(err, ErrUnauthorized):
		return ErrorIDUnauthorized
	case errors.Is(err, ErrTopology):
		return ErrorIDTopology
	case errors.Is(err, ErrSTPUnavailable):
		return ErrorIDSTPUnavailable
	case errors.Is(err, ErrInternalNRM):
		return ErrorIDInternalNRMError
	case errors.Is(err, ErrDownstreamNSA):
		return ErrorIDDownstreamNSA
	default:
		return ErrorIDInternalError
	}
}

// NewServiceException classifies err into a ServiceException originating at
// the given NSA.
func NewServiceException(nsaID, connectionID string, err error) *ServiceException {
	var se *ServiceException
	if errors.As(err, &se) {
		return se
	}
	return &ServiceException{
		NsaID:        nsaID,
		ConnectionID: connectionID,
		ErrorID:      ErrorID(err),
		Text:         err.Error(),
	}
}
