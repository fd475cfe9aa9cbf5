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

// Package remote speaks the NSI-CS v2 SOAP protocol: it serves the provider
// and requester-callback endpoints over HTTP, and exposes remote NSAs as
// nsi.Provider through a client proxy.
package remote

import (
	"encoding/xml"
	"time"

	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

// Namespace of the NSI-CS v2 connection service messages.
const Namespace = "http://schemas.ogf.org/nsi/2013/12/connection/service/"

const (
	soapEnvNS   = "http://schemas.xmlsoap.org/soap/envelope/"
	headerNS    = "http://schemas.ogf.org/nsi/2013/12/framework/headers"
	contentType = "text/xml; charset=utf-8"
)

// SOAP action URIs, provider operations.
const (
	ActionReserve          = Namespace + "reserve"
	ActionReserveCommit    = Namespace + "reserveCommit"
	ActionReserveAbort     = Namespace + "reserveAbort"
	ActionProvision        = Namespace + "provision"
	ActionRelease          = Namespace + "release"
	ActionTerminate        = Namespace + "terminate"
	ActionQuerySummary     = Namespace + "querySummary"
	ActionQuerySummarySync = Namespace + "querySummarySync"
	ActionQueryRecursive   = Namespace + "queryRecursive"
)

// SOAP action URIs, requester callbacks.
const (
	ActionReserveConfirmed       = Namespace + "reserveConfirmed"
	ActionReserveFailed          = Namespace + "reserveFailed"
	ActionReserveCommitConfirmed = Namespace + "reserveCommitConfirmed"
	ActionReserveCommitFailed    = Namespace + "reserveCommitFailed"
	ActionReserveAbortConfirmed  = Namespace + "reserveAbortConfirmed"
	ActionProvisionConfirmed     = Namespace + "provisionConfirmed"
	ActionReleaseConfirmed       = Namespace + "releaseConfirmed"
	ActionTerminateConfirmed     = Namespace + "terminateConfirmed"
	ActionErrorEvent             = Namespace + "errorEvent"
	ActionDataPlaneStateChange   = Namespace + "dataPlaneStateChange"
	ActionReserveTimeout         = Namespace + "reserveTimeout"
)

// timeLayout is xsd:dateTime restricted to naive UTC.
const timeLayout = "2006-01-02T15:04:05Z"

type envelope struct {
	XMLName xml.Name  `xml:"soapenv:Envelope"`
	EnvNS   string    `xml:"xmlns:soapenv,attr"`
	Header  envHeader `xml:"soapenv:Header"`
	Body    envBody   `xml:"soapenv:Body"`
}

type envHeader struct {
	NSIHeader wireHeader `xml:"nsiHeader"`
}

type envBody struct {
	Payload any `xml:",omitempty"`
}

// parsedEnvelope is the decode-side envelope: the body is kept raw and
// unmarshalled a second time once the action is known.
type parsedEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Header  struct {
		NSIHeader wireHeader `xml:"nsiHeader"`
	} `xml:"Header"`
	Body struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

type wireHeader struct {
	XMLName         xml.Name        `xml:"nsiHeader"`
	NS              string          `xml:"xmlns,attr,omitempty"`
	ProtocolVersion string          `xml:"protocolVersion"`
	CorrelationID   string          `xml:"correlationId"`
	RequesterNSA    string          `xml:"requesterNSA"`
	ProviderNSA     string          `xml:"providerNSA"`
	ReplyTo         string          `xml:"replyTo,omitempty"`
	SecurityAttrs   []wireAttribute `xml:"sessionSecurityAttr>attribute,omitempty"`
	ConnectionTrace []wireTraceHop  `xml:"connectionTrace>connection,omitempty"`
}

type wireAttribute struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type wireTraceHop struct {
	Index int    `xml:"index,attr"`
	Value string `xml:",chardata"`
}

func toWireHeader(h nsi.Header) wireHeader {
	w := wireHeader{
		NS:              headerNS,
		ProtocolVersion: h.ProtocolVersion,
		CorrelationID:   h.CorrelationID,
		RequesterNSA:    h.RequesterNSA,
		ProviderNSA:     h.ProviderNSA,
		ReplyTo:         h.ReplyTo,
	}
	for _, attr := range h.SecurityAttributes {
		w.SecurityAttrs = append(w.SecurityAttrs, wireAttribute{
			Type: attr.Type, Value: attr.Value,
		})
	}
	for i, hop := range h.ConnectionTrace {
		w.ConnectionTrace = append(w.ConnectionTrace, wireTraceHop{Index: i, Value: hop})
	}
	return w
}

func fromWireHeader(w wireHeader) nsi.Header {
	h := nsi.Header{
		ProtocolVersion: w.ProtocolVersion,
		CorrelationID:   w.CorrelationID,
		RequesterNSA:    w.RequesterNSA,
		ProviderNSA:     w.ProviderNSA,
		ReplyTo:         w.ReplyTo,
	}
	for _, attr := range w.SecurityAttrs {
		h.SecurityAttributes = append(h.SecurityAttributes, nsi.SecurityAttribute{
			Type: attr.Type, Value: attr.Value,
		})
	}
	for _, hop := range w.ConnectionTrace {
		h.ConnectionTrace = append(h.ConnectionTrace, hop.Value)
	}
	return h
}

type wireSchedule struct {
	StartTime string `xml:"startTime,omitempty"`
	EndTime   string `xml:"endTime,omitempty"`
}

type wireP2PS struct {
	Capacity       int64  `xml:"capacity"`
	Directionality string `xml:"directionality"`
	SymmetricPath  bool   `xml:"symmetricPath"`
	SourceSTP      string `xml:"sourceSTP"`
	DestSTP        string `xml:"destSTP"`
}

type wireCriteria struct {
	Version     int          `xml:"version,attr"`
	Schedule    wireSchedule `xml:"schedule"`
	ServiceType string       `xml:"serviceType"`
	P2PS        wireP2PS     `xml:"p2ps"`
}

type wireReserve struct {
	XMLName             xml.Name     `xml:"reserve"`
	NS                  string       `xml:"xmlns,attr,omitempty"`
	ConnectionID        string       `xml:"connectionId,omitempty"`
	GlobalReservationID string       `xml:"globalReservationId,omitempty"`
	Description         string       `xml:"description,omitempty"`
	Criteria            wireCriteria `xml:"criteria"`
}

type wireReserveResponse struct {
	XMLName      xml.Name `xml:"reserveResponse"`
	NS           string   `xml:"xmlns,attr,omitempty"`
	ConnectionID string   `xml:"connectionId"`
}

// wireGenericRequest covers reserveCommit, reserveAbort, provision, release
// and terminate; the element name is set when encoding.
type wireGenericRequest struct {
	XMLName      xml.Name
	NS           string `xml:"xmlns,attr,omitempty"`
	ConnectionID string `xml:"connectionId"`
}

type wireAcknowledgment struct {
	XMLName xml.Name `xml:"acknowledgment"`
	NS      string   `xml:"xmlns,attr,omitempty"`
}

type wireQuery struct {
	XMLName              xml.Name `xml:"querySummary"`
	NS                   string   `xml:"xmlns,attr,omitempty"`
	ConnectionIDs        []string `xml:"connectionId,omitempty"`
	GlobalReservationIDs []string `xml:"globalReservationId,omitempty"`
}

type wireQueryResult struct {
	ConnectionID        string       `xml:"connectionId"`
	GlobalReservationID string       `xml:"globalReservationId,omitempty"`
	Description         string       `xml:"description,omitempty"`
	RequesterNSA        string       `xml:"requesterNSA"`
	Criteria            wireCriteria `xml:"criteria"`
	ReservationState    string       `xml:"connectionStates>reservationState"`
	ProvisionState      string       `xml:"connectionStates>provisionState"`
	LifecycleState      string       `xml:"connectionStates>lifecycleState"`
	DataPlaneActive     bool         `xml:"connectionStates>dataPlaneStatus>active"`
	DataPlaneVersion    int          `xml:"connectionStates>dataPlaneStatus>version"`
	Children            []wireQueryResult `xml:"children>child,omitempty"`
}

type wireQueryConfirmed struct {
	XMLName      xml.Name          `xml:"querySummaryConfirmed"`
	NS           string            `xml:"xmlns,attr,omitempty"`
	Reservations []wireQueryResult `xml:"reservation"`
}

type wireReserveConfirmed struct {
	XMLName             xml.Name     `xml:"reserveConfirmed"`
	NS                  string       `xml:"xmlns,attr,omitempty"`
	ConnectionID        string       `xml:"connectionId"`
	GlobalReservationID string       `xml:"globalReservationId,omitempty"`
	Description         string       `xml:"description,omitempty"`
	Criteria            wireCriteria `xml:"criteria"`
}

type wireStates struct {
	ReservationState string `xml:"reservationState"`
	ProvisionState   string `xml:"provisionState"`
	LifecycleState   string `xml:"lifecycleState"`
}

type wireServiceException struct {
	NsaID        string `xml:"nsaId"`
	ConnectionID string `xml:"connectionId,omitempty"`
	ErrorID      string `xml:"errorId"`
	Text         string `xml:"text"`
	Variables    []struct {
		Type  string `xml:"type"`
		Value string `xml:"value"`
	} `xml:"variables>variable,omitempty"`
}

// wireGenericFailed covers reserveFailed and reserveCommitFailed.
type wireGenericFailed struct {
	XMLName          xml.Name
	NS               string               `xml:"xmlns,attr,omitempty"`
	ConnectionID     string               `xml:"connectionId"`
	ConnectionStates wireStates           `xml:"connectionStates"`
	ServiceException wireServiceException `xml:"serviceException"`
}

// wireGenericConfirmed covers the connection-id-only callbacks.
type wireGenericConfirmed struct {
	XMLName      xml.Name
	NS           string `xml:"xmlns,attr,omitempty"`
	ConnectionID string `xml:"connectionId"`
}

type wireErrorEvent struct {
	XMLName          xml.Name             `xml:"errorEvent"`
	NS               string               `xml:"xmlns,attr,omitempty"`
	ConnectionID     string               `xml:"connectionId"`
	Event            string               `xml:"event"`
	OriginatingNSA   string               `xml:"originatingNSA"`
	TimeStamp        string               `xml:"timeStamp"`
	ServiceException wireServiceException `xml:"serviceException"`
}

type wireDataPlaneStateChange struct {
	XMLName      xml.Name `xml:"dataPlaneStateChange"`
	NS           string   `xml:"xmlns,attr,omitempty"`
	ConnectionID string   `xml:"connectionId"`
	TimeStamp    string   `xml:"timeStamp"`
	Active       bool     `xml:"dataPlaneStatus>active"`
	Version      int      `xml:"dataPlaneStatus>version"`
	Consistent   bool     `xml:"dataPlaneStatus>versionConsistent"`
}

type wireReserveTimeout struct {
	XMLName                 xml.Name `xml:"reserveTimeout"`
	NS                      string   `xml:"xmlns,attr,omitempty"`
	ConnectionID            string   `xml:"connectionId"`
	TimeoutValue            int      `xml:"timeoutValue"`
	OriginatingConnectionID string   `xml:"originatingConnectionId"`
	OriginatingNSA          string   `xml:"originatingNSA"`
	TimeStamp               string   `xml:"timeStamp"`
}

type wireFault struct {
	XMLName          xml.Name             `xml:"soapenv:Fault"`
	Code             string               `xml:"faultcode"`
	Reason           string               `xml:"faultstring"`
	ServiceException wireServiceException `xml:"detail>serviceException"`
}

type parsedFault struct {
	XMLName          xml.Name             `xml:"Fault"`
	Code             string               `xml:"faultcode"`
	Reason           string               `xml:"faultstring"`
	ServiceException wireServiceException `xml:"detail>serviceException"`
}

func encodeEnvelope(header nsi.Header, payload any) ([]byte, error) {
	env := envelope{
		EnvNS:  soapEnvNS,
		Header: envHeader{NSIHeader: toWireHeader(header)},
		Body:   envBody{Payload: payload},
	}
	data, err := xml.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, serrors.WrapStr("encoding envelope", err)
	}
	return append([]byte(xml.Header), data...), nil
}

func decodeEnvelope(data []byte) (nsi.Header, []byte, error) {
	var env parsedEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nsi.Header{}, nil, serrors.Join(nsi.ErrPayload, err,
			"reason", "malformed envelope")
	}
	return fromWireHeader(env.Header.NSIHeader), env.Body.Inner, nil
}

func decodeBody(inner []byte, payload any) error {
	if err := xml.Unmarshal(inner, payload); err != nil {
		return serrors.Join(nsi.ErrPayload, err, "reason", "malformed body")
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate offsets from peers that do not send naive UTC.
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, serrors.Join(nsi.ErrPayload, err, "time", s)
		}
	}
	return t.UTC(), nil
}

func toWireCriteria(c nsi.Criteria) wireCriteria {
	return wireCriteria{
		Version: c.Revision,
		Schedule: wireSchedule{
			StartTime: formatTime(c.Schedule.Start),
			EndTime:   formatTime(c.Schedule.End),
		},
		ServiceType: nsi.ServiceTypeP2P,
		P2PS: wireP2PS{
			Capacity:       c.Service.Capacity,
			Directionality: string(c.Service.Directionality),
			SymmetricPath:  c.Service.Symmetric,
			SourceSTP:      c.Service.Source.URN(),
			DestSTP:        c.Service.Dest.URN(),
		},
	}
}

func fromWireCriteria(w wireCriteria) (nsi.Criteria, error) {
	start, err := parseTime(w.Schedule.StartTime)
	if err != nil {
		return nsi.Criteria{}, err
	}
	end, err := parseTime(w.Schedule.EndTime)
	if err != nil {
		return nsi.Criteria{}, err
	}
	src, err := nsi.ParseSTP(w.P2PS.SourceSTP)
	if err != nil {
		return nsi.Criteria{}, err
	}
	dst, err := nsi.ParseSTP(w.P2PS.DestSTP)
	if err != nil {
		return nsi.Criteria{}, err
	}
	directionality := nsi.Directionality(w.P2PS.Directionality)
	if directionality == "" {
		directionality = nsi.Bidirectional
	}
	return nsi.Criteria{
		Revision: w.Version,
		Schedule: nsi.Schedule{Start: start, End: end},
		Service: nsi.P2PService{
			Source:         src,
			Dest:           dst,
			Capacity:       w.P2PS.Capacity,
			Directionality: directionality,
			Symmetric:      w.P2PS.SymmetricPath,
		},
	}, nil
}

func toWireException(se *nsi.ServiceException) wireServiceException {
	if se == nil {
		return wireServiceException{}
	}
	w := wireServiceException{
		NsaID:        se.NsaID,
		ConnectionID: se.ConnectionID,
		ErrorID:      se.ErrorID,
		Text:         se.Text,
	}
	for _, v := range se.Variables {
		w.Variables = append(w.Variables, struct {
			Type  string `xml:"type"`
			Value string `xml:"value"`
		}{Type: v.Type, Value: v.Value})
	}
	return w
}

func fromWireException(w wireServiceException) *nsi.ServiceException {
	if w.ErrorID == "" && w.Text == "" {
		return nil
	}
	se := &nsi.ServiceException{
		NsaID:        w.NsaID,
		ConnectionID: w.ConnectionID,
		ErrorID:      w.ErrorID,
		Text:         w.Text,
	}
	for _, v := range w.Variables {
		se.Variables = append(se.Variables, nsi.TypeValuePair{Type: v.Type, Value: v.Value})
	}
	return se
}
