// Package access holds the per-actor authorization rules for orders and
// transport jobs. Every function here is pure: callers resolve the actor once at
// the transport boundary and pass it by value.
package access

import (
	"fmt"
	"strings"

	"github.com/yagydev/animalmela/internal/entity"
)

// Role identifies the kind of marketplace participant making a request.
type Role string

const (
	RoleBuyer       Role = "buyer"
	RoleSeller      Role = "seller"
	RoleTransporter Role = "transporter"
	RoleAdmin       Role = "admin"
)

// ParseRole validates s against the known roles.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleBuyer, RoleSeller, RoleTransporter, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Actor is the authenticated identity behind a request.
type Actor struct {
	ID   string
	Role Role
}

// System is the actor used by internal flows such as gateway webhooks and the
// refund worker.
var System = Actor{ID: "system", Role: RoleAdmin}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

var allStatuses = func() map[entity.OrderStatus]struct{} {
	m := make(map[entity.OrderStatus]struct{})
	for _, s := range entity.OrderStatuses() {
		m[s] = struct{}{}
	}
	return m
}()

// requestable lists the target statuses each role may ask for.
var requestable = map[Role]map[entity.OrderStatus]struct{}{
	RoleBuyer: {
		entity.OrderStatusCancelled: {},
	},
	RoleSeller: {
		entity.OrderStatusConfirmed:      {},
		entity.OrderStatusProcessing:     {},
		entity.OrderStatusShipped:        {},
		entity.OrderStatusOutForDelivery: {},
		entity.OrderStatusDelivered:      {},
		entity.OrderStatusCancelled:      {},
	},
	RoleAdmin: allStatuses,
}

// AllowedTargets reports the statuses a role may request, in lifecycle order.
func AllowedTargets(role Role) []entity.OrderStatus {
	set := requestable[role]
	out := make([]entity.OrderStatus, 0, len(set))
	for _, s := range entity.OrderStatuses() {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// CanTransition decides whether actor may move order to requested. It checks the
// role matrix and ownership only; whether the transition is legal from the
// order's current status is the lifecycle table's concern.
func CanTransition(actor Actor, order *entity.Order, requested entity.OrderStatus) Decision {
	if order == nil {
		return deny("order is required")
	}
	if _, ok := requestable[actor.Role][requested]; !ok {
		return deny(fmt.Sprintf("role %s may not request status %s", actor.Role, requested))
	}
	switch actor.Role {
	case RoleAdmin:
		return allow()
	case RoleBuyer:
		if order.BuyerID != actor.ID {
			return deny("only the order's buyer may change it")
		}
		return allow()
	case RoleSeller:
		if order.SellerID != actor.ID {
			return deny("only the order's seller may change it")
		}
		return allow()
	default:
		return deny(fmt.Sprintf("role %s may not change orders", actor.Role))
	}
}

// CanView reports whether actor may read order.
func CanView(actor Actor, order *entity.Order) Decision {
	if order == nil {
		return deny("order is required")
	}
	switch {
	case actor.Role == RoleAdmin:
		return allow()
	case actor.Role == RoleBuyer && order.BuyerID == actor.ID:
		return allow()
	case actor.Role == RoleSeller && order.SellerID == actor.ID:
		return allow()
	default:
		return deny("requester is neither buyer, seller, nor admin")
	}
}

// CanCreateOrder reports whether actor may place orders.
func CanCreateOrder(actor Actor) Decision {
	if actor.Role != RoleBuyer {
		return deny("only buyers may place orders")
	}
	if actor.ID == "" {
		return deny("buyer identity is required")
	}
	return allow()
}

// CanPay reports whether actor may open or settle payments for order.
func CanPay(actor Actor, order *entity.Order) Decision {
	if order == nil {
		return deny("order is required")
	}
	if actor.Role == RoleAdmin || (actor.Role == RoleBuyer && order.BuyerID == actor.ID) {
		return allow()
	}
	return deny("only the order's buyer may pay for it")
}

// CanUpdateTracking reports whether actor may edit tracking details.
func CanUpdateTracking(actor Actor, order *entity.Order) Decision {
	if order == nil {
		return deny("order is required")
	}
	if actor.Role == RoleAdmin || (actor.Role == RoleSeller && order.SellerID == actor.ID) {
		return allow()
	}
	return deny("only the order's seller or an admin may update tracking")
}

// CanRefund reports whether actor may issue refunds.
func CanRefund(actor Actor) Decision {
	if actor.Role != RoleAdmin {
		return deny("only admins may issue refunds")
	}
	return allow()
}

// CanAcceptJob reports whether actor may accept transport work.
func CanAcceptJob(actor Actor) Decision {
	if actor.Role != RoleTransporter || actor.ID == "" {
		return deny("only transporters may accept transport jobs")
	}
	return allow()
}

// CanMutateJob reports whether actor may update job.
func CanMutateJob(actor Actor, job *entity.TransportJob) Decision {
	if job == nil {
		return deny("transport job is required")
	}
	if actor.Role == RoleAdmin {
		return allow()
	}
	if actor.Role == RoleTransporter && job.TransporterID == actor.ID {
		return allow()
	}
	return deny("only the assigned transporter or an admin may update this job")
}

// CanViewJob reports whether actor may read job. The order is optional; when
// given, its buyer and seller may also see the job.
func CanViewJob(actor Actor, job *entity.TransportJob, order *entity.Order) Decision {
	if d := CanMutateJob(actor, job); d.Allowed {
		return d
	}
	if order != nil && CanView(actor, order).Allowed {
		return allow()
	}
	return deny("requester is not a party to this transport job")
}
