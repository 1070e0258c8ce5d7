package main

import (
	"fmt"

	"go.bug.st/serial/enumerator"
)

// listPorts prints every detected serial port and exits, in the style of
// the huskki driver's autoSelectPort scan but listing rather than picking.
func listPorts() error {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return fmt.Errorf("enumerate ports: %w", err)
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return nil
	}
	for _, p := range ports {
		if p.IsUSB {
			fmt.Printf("%s  usb vid=%s pid=%s serial=%s\n", p.Name, p.VID, p.PID, p.SerialNumber)
		} else {
			fmt.Printf("%s\n", p.Name)
		}
	}
	return nil
}
