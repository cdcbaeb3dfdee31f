// SPDX-License-Identifier: MIT

package policy

import (
	"github.com/crucible-testbed/crucible/internal/kernel"
)

// Client is the orchestrator-side policy. Allocation decisions are made
// upstream by the broker; locally everything a user asks for is forwarded
// as-is.
type Client struct {
	base
	name string
}

// NewClient builds the policy.
func NewClient(name string) *Client {
	return &Client{name: name}
}

// Bind forwards the requested shape unchanged.
func (p *Client) Bind(r *kernel.Reservation) (bool, error) {
	if r.Approved == nil {
		r.Approved = r.Requested.Clone()
	}
	return true, nil
}

// Extend approves the extension; the broker is the arbiter.
func (p *Client) Extend(r *kernel.Reservation) (bool, error) {
	return true, nil
}

// Close has nothing to release locally.
func (p *Client) Close(r *kernel.Reservation) error { return nil }

// Query answers with the actor name only; the orchestrator holds no model.
func (p *Client) Query(properties map[string]string) map[string]string {
	return map[string]string{"actor": p.name}
}

var _ kernel.Policy = (*Client)(nil)
