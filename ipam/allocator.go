// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package ipam implements the per-node workload IP allocator described in
// spec.md §4.6: it hands out routable IPv4 addresses from a node's /24
// workload subnet and reclaims them on release. Remote-subnet routing
// across the mesh is an external collaborator; this package only manages
// the local allocation table.
package ipam

import (
	"fmt"
	"net"

	sockaddr "github.com/hashicorp/go-sockaddr"

	"github.com/gpuscheduler/gateway/structs"
)

const (
	minHostOctet = 2
	maxHostOctet = 254
	gatewayOctet = 1
)

// Allocator assigns routable IPv4 addresses out of one node's /24 workload
// subnet. Not safe for concurrent use without external synchronization,
// matching the rest of the core (spec §5: single-owner or lock-per-component).
type Allocator struct {
	nodeID  structs.NodeId
	subnet  *net.IPNet
	base    net.IP // the .0 network address, e.g. 10.200.3.0
	gateway net.IP // the .1 address, reserved

	allocated map[structs.WorkloadId]byte // workload -> host octet
	byOctet   map[byte]structs.WorkloadId

	freePool []byte // LIFO stack of released octets
	next     byte   // next octet to hand out if freePool is empty; starts at minHostOctet
}

// New validates cidr is a /24 and constructs an empty Allocator for nodeID.
func New(nodeID structs.NodeId, cidr string) (*Allocator, error) {
	addr, err := sockaddr.NewIPv4Addr(cidr)
	if err != nil {
		return nil, &structs.InvalidSubnetError{CIDR: cidr, Reason: err.Error()}
	}
	if addr.Maskbits() != 24 {
		return nil, &structs.InvalidSubnetError{CIDR: cidr, Reason: fmt.Sprintf("must be a /24, got /%d", addr.Maskbits())}
	}

	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, &structs.InvalidSubnetError{CIDR: cidr, Reason: err.Error()}
	}
	base := ipNet.IP.To4()
	if base == nil {
		return nil, &structs.InvalidSubnetError{CIDR: cidr, Reason: "not an IPv4 CIDR"}
	}
	gateway := make(net.IP, 4)
	copy(gateway, base)
	gateway[3] = gatewayOctet

	return &Allocator{
		nodeID:    nodeID,
		subnet:    ipNet,
		base:      base,
		gateway:   gateway,
		allocated: make(map[structs.WorkloadId]byte),
		byOctet:   make(map[byte]structs.WorkloadId),
		next:      minHostOctet,
	}, nil
}

func (a *Allocator) ipFor(octet byte) net.IP {
	ip := make(net.IP, 4)
	copy(ip, a.base)
	ip[3] = octet
	return ip
}

// Allocate assigns an IPv4 to workloadID, idempotently: a workload that
// already has an address gets the same one back.
func (a *Allocator) Allocate(workloadID structs.WorkloadId) (net.IP, error) {
	if octet, ok := a.allocated[workloadID]; ok {
		return a.ipFor(octet), nil
	}

	var octet byte
	if n := len(a.freePool); n > 0 {
		// LIFO: the most recently released octet is reused first.
		octet = a.freePool[n-1]
		a.freePool = a.freePool[:n-1]
	} else {
		if a.next > maxHostOctet {
			return nil, &structs.SubnetExhaustedError{NodeID: a.nodeID}
		}
		octet = a.next
		a.next++
	}

	a.allocated[workloadID] = octet
	a.byOctet[octet] = workloadID
	return a.ipFor(octet), nil
}

// Release returns workloadID's address to the free pool and reports it, or
// reports nil if workloadID held no address.
func (a *Allocator) Release(workloadID structs.WorkloadId) net.IP {
	octet, ok := a.allocated[workloadID]
	if !ok {
		return nil
	}
	delete(a.allocated, workloadID)
	delete(a.byOctet, octet)
	a.freePool = append(a.freePool, octet)
	return a.ipFor(octet)
}

// Get returns workloadID's currently allocated address, if any.
func (a *Allocator) Get(workloadID structs.WorkloadId) (net.IP, bool) {
	octet, ok := a.allocated[workloadID]
	if !ok {
		return nil, false
	}
	return a.ipFor(octet), true
}

// Info describes a workload's allocation in the form an agent needs to
// configure its bridge interface.
type Info struct {
	Subnet  string
	Gateway net.IP
	IP      net.IP
}

// Info returns the subnet/gateway/ip triple for workloadID, if allocated.
func (a *Allocator) Info(workloadID structs.WorkloadId) (Info, bool) {
	ip, ok := a.Get(workloadID)
	if !ok {
		return Info{}, false
	}
	return Info{Subnet: a.subnet.String(), Gateway: a.gateway, IP: ip}, true
}

// NodeID returns the node this allocator belongs to.
func (a *Allocator) NodeID() structs.NodeId { return a.nodeID }

// Subnet returns the /24 CIDR this allocator manages.
func (a *Allocator) Subnet() string { return a.subnet.String() }
