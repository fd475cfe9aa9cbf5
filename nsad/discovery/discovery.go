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

// Package discovery builds and serves the NSA discovery document. The
// document advertises the NSA's identity, the networks it manages, its
// service interfaces and its peers, so that other NSAs can find and
// federate with it.
package discovery

import (
	"encoding/xml"
	"net/http"
	"time"

	"github.com/nordunet/opennsa-go/pkg/log"
)

// Namespace of the NSA discovery document.
const Namespace = "http://schemas.ogf.org/nsi/2014/02/discovery/nsa"

// Interface types advertised in the discovery document.
const (
	InterfaceTypeCS2 = "application/vnd.ogf.nsi.cs.v2.provider+soap"
	InterfaceTypeNML = "application/vnd.ogf.nsi.topology.v2+xml"
)

// Feature types advertised in the discovery document.
const (
	FeatureUPA        = "vnd.ogf.nsi.cs.v2.role.uPA"
	FeatureAggregator = "vnd.ogf.nsi.cs.v2.role.aggregator"
)

// Interface is one service endpoint of the NSA.
type Interface struct {
	Type string `xml:"type"`
	Href string `xml:"href"`
}

// Feature is one advertised capability.
type Feature struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

// Document is the discovery document of one NSA.
type Document struct {
	XMLName         xml.Name    `xml:"nsa"`
	NS              string      `xml:"xmlns,attr"`
	ID              string      `xml:"id,attr"`
	Version         string      `xml:"version,attr"`
	Name            string      `xml:"name,omitempty"`
	SoftwareVersion string      `xml:"softwareVersion,omitempty"`
	StartTime       string      `xml:"startTime"`
	NetworkIDs      []string    `xml:"networkId"`
	Interfaces      []Interface `xml:"interface"`
	Features        []Feature   `xml:"feature"`
	PeersWith       []string    `xml:"peersWith,omitempty"`
}

// Config describes the NSA to advertise.
type Config struct {
	// NSAID is the URN of this NSA.
	NSAID string
	// Name is the human-readable NSA name.
	Name string
	// SoftwareVersion identifies the running software.
	SoftwareVersion string
	// StartTime is the service start, used as both document version and
	// startTime.
	StartTime time.Time
	// Networks are the network ids this NSA manages.
	Networks []string
	// ProviderURL is the CS2 provider endpoint advertised to peers.
	ProviderURL string
	// TopologyURL, if set, is advertised as the NML topology endpoint.
	TopologyURL string
	// Aggregator advertises the aggregator role in addition to uPA.
	Aggregator bool
	// Peers are the NSA URNs this NSA peers with.
	Peers  []string
	Logger log.Logger
}

// Server serves the discovery document. Mount Handler at /NSI/discovery.xml.
type Server struct {
	document []byte
	logger   log.Logger
}

const timeLayout = "2006-01-02T15:04:05Z"

// New builds the document once; the NSA description is static for the
// lifetime of the process.
func New(cfg Config) (*Server, error) {
	start := cfg.StartTime.UTC().Truncate(time.Second)
	doc := Document{
		NS:              Namespace,
		ID:              cfg.NSAID,
		Version:         start.Format(timeLayout),
		Name:            cfg.Name,
		SoftwareVersion: cfg.SoftwareVersion,
		StartTime:       start.Format(timeLayout),
		NetworkIDs:      cfg.Networks,
		Interfaces: []Interface{
			{Type: InterfaceTypeCS2, Href: cfg.ProviderURL},
		},
		Features:  []Feature{{Type: FeatureUPA}},
		PeersWith: cfg.Peers,
	}
	if cfg.TopologyURL != "" {
		doc.Interfaces = append(doc.Interfaces,
			Interface{Type: InterfaceTypeNML, Href: cfg.TopologyURL})
	}
	if cfg.Aggregator {
		doc.Features = append(doc.Features, Feature{Type: FeatureAggregator})
	}
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Root()
	}
	return &Server{
		document: append([]byte(xml.Header), body...),
		logger:   logger,
	}, nil
}

// ServeHTTP writes the discovery document.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	if _, err := w.Write(s.document); err != nil {
		s.logger.Debug("Writing discovery document failed", "err", err)
	}
}
