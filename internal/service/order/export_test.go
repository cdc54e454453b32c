package order

import "time"

const RefundLease = refundLease

func (s *Service) SetClock(now func() time.Time) { s.now = now }
