// Package types has the JSON types shared by the core and the
// server API, so the server does not need to import core internals.
package types

type VersionInfo struct {
	Version string `json:"version"`
}

type SessionInfo struct {
	Session string `json:"session"`
}

type SessionEntry struct {
	Path    string `json:"path"`
	Session string `json:"session"`
	State   string `json:"state"`
}

type StatusInfo struct {
	Status      uint8  `json:"status"`
	StatusName  string `json:"statusName"`
	PollTimeout uint32 `json:"pollTimeout"` // milliseconds
	State       uint8  `json:"state"`
	StateName   string `json:"stateName"`
	StringIndex uint8  `json:"stringIndex"`
}

type StateInfo struct {
	State     uint8  `json:"state"`
	StateName string `json:"stateName"`
}

type DescriptorInfo struct {
	Attributes            uint8   `json:"attributes"`
	WillDetach            bool    `json:"willDetach"`
	ManifestationTolerant bool    `json:"manifestationTolerant"`
	CanUpload             bool    `json:"canUpload"`
	CanDownload           bool    `json:"canDownload"`
	DetachTimeout         uint16  `json:"detachTimeout"` // milliseconds
	TransferSize          uint16  `json:"transferSize"`
	Version               *uint16 `json:"version"` // bcdDFUVersion, null for DFU 1.0 descriptors
}
