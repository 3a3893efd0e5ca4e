package cplscheme

import "fmt"

// biExchanger exchanges with a single partner. The first participant sends
// before it receives and the second receives before it sends; this order is
// what keeps two blocking participants from waiting on each other.
type biExchanger struct {
	s *Scheme
	p *partner
}

func (b *biExchanger) exchangeInitialData() error {
	if b.s.doesFirstStep {
		if err := sendData(b.p, true); err != nil {
			return err
		}
		return receiveData(b.p, true)
	}
	if err := receiveData(b.p, true); err != nil {
		return err
	}
	return sendData(b.p, true)
}

func (b *biExchanger) exchangeDataAndAccelerate() (bool, error) {
	s := b.s
	if s.doesFirstStep {
		if s.sendsWindowSize() {
			if err := b.p.m2n.SendDouble(s.windowSize); err != nil {
				return false, fmt.Errorf("sending time window size: %w", err)
			}
		}
		if err := sendData(b.p, false); err != nil {
			return false, err
		}
		converged := true
		if s.kind.IsImplicit() {
			var err error
			if converged, err = b.p.m2n.ReceiveBool(); err != nil {
				return false, fmt.Errorf("receiving convergence from %s: %w", b.p.name, err)
			}
		}
		return converged, receiveData(b.p, false)
	}

	if err := receiveData(b.p, false); err != nil {
		return false, err
	}
	converged := true
	if s.kind.IsImplicit() {
		var err error
		if converged, err = s.doImplicitStep(); err != nil {
			return false, err
		}
		if err := b.p.m2n.SendBool(converged); err != nil {
			return false, fmt.Errorf("sending convergence to %s: %w", b.p.name, err)
		}
	}
	return converged, sendData(b.p, false)
}

// sendData sends the data of p in id order; with initial set, only the data
// requiring initialization.
func sendData(p *partner, initial bool) error {
	for _, id := range p.send.SortedIDs() {
		d := p.send[id]
		if initial && !d.RequiresInitialization() {
			continue
		}
		if err := p.m2n.Send(d.Values()); err != nil {
			return fmt.Errorf("sending %s to %s: %w", d.Name(), p.name, err)
		}
	}
	return nil
}

func receiveData(p *partner, initial bool) error {
	for _, id := range p.receive.SortedIDs() {
		d := p.receive[id]
		if initial && !d.RequiresInitialization() {
			continue
		}
		if err := p.m2n.Receive(d.Values()); err != nil {
			return fmt.Errorf("receiving %s from %s: %w", d.Name(), p.name, err)
		}
	}
	return nil
}
