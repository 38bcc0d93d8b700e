package model

import (
	"net"
	"time"

	"github.com/google/uuid"
)

type (
	StoreKind string
	LockKind  string
)

const (
	AppName    = "conductor"
	AppSubject = "serverControl"
)

const (
	StoreKindMemory  StoreKind = "memory"
	StoreKindFleetDB StoreKind = "fleetdb"

	LockKindMemory LockKind = "memory"
	LockKindNats   LockKind = "nats"
)

// nolint:govet // prefer to keep field ordering as is
type Node struct {
	ID uuid.UUID

	// DriverName is the out-of-band driver declared for this node.
	DriverName string

	// Device BMC attributes
	BmcAddress  net.IP
	BmcUsername string
	BmcPassword string

	// Manufacturer attributes
	Vendor string
	Model  string
	Serial string

	// Facility this Node is hosted in.
	FacilityCode string

	// Conductor maintained state. Mutated only through a closed task or
	// the power sync loop, never from an in-flight call.
	PowerState     string
	ProvisionState ProvisionState
	Maintenance    bool
	ReservedBy     string
	LastError      string
	UpdatedAt      time.Time
}

func (n *Node) AsLogFields() []any {
	return []any{
		"node_id", n.ID.String(),
		"driver", n.DriverName,
		"address", n.BmcAddress.String(),
		"vendor", n.Vendor,
		"model", n.Model,
		"serial", n.Serial,
		"facility", n.FacilityCode,
	}
}

// BootDevice is a boot device override on a node.
type BootDevice struct {
	Device     string `json:"device"`
	Persistent bool   `json:"persistent"`
	EFIBoot    bool   `json:"efi_boot"`
}

const (
	BootDevicePXE  = "pxe"
	BootDeviceDisk = "disk"
)

type Args struct {
	LogLevel        string
	ConfigFile      string
	FacilityCode    string
	EnableProfiling bool
	Dryrun          bool
}
