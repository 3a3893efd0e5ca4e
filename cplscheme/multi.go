package cplscheme

import "fmt"

// multiExchanger couples a controller with several partners. The controller
// plays the second participant towards everyone: it receives from all
// partners, accelerates over all data, then answers all of them. Every other
// participant plays the first participant towards the controller.
type multiExchanger struct {
	s          *Scheme
	controller bool
}

func (m *multiExchanger) exchangeInitialData() error {
	if !m.controller {
		p := m.s.partners[0]
		if err := sendData(p, true); err != nil {
			return err
		}
		return receiveData(p, true)
	}
	for _, p := range m.s.partners {
		if err := receiveData(p, true); err != nil {
			return err
		}
	}
	for _, p := range m.s.partners {
		if err := sendData(p, true); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiExchanger) exchangeDataAndAccelerate() (bool, error) {
	if !m.controller {
		p := m.s.partners[0]
		if err := sendData(p, false); err != nil {
			return false, err
		}
		converged, err := p.m2n.ReceiveBool()
		if err != nil {
			return false, fmt.Errorf("receiving convergence from %s: %w", p.name, err)
		}
		return converged, receiveData(p, false)
	}

	for _, p := range m.s.partners {
		if err := receiveData(p, false); err != nil {
			return false, err
		}
	}
	converged, err := m.s.doImplicitStep()
	if err != nil {
		return false, err
	}
	for _, p := range m.s.partners {
		if err := p.m2n.SendBool(converged); err != nil {
			return false, fmt.Errorf("sending convergence to %s: %w", p.name, err)
		}
	}
	for _, p := range m.s.partners {
		if err := sendData(p, false); err != nil {
			return false, err
		}
	}
	return converged, nil
}
