// eb is a direct register access CLI for an FPGA behind an FT601.
//
// Usage:
//
//	eb read <addr> [count]      read one or more consecutive registers
//	eb write <addr> <value>     write a 32-bit register
//	eb probe                    check whether the bus responds
//	eb dump <addr> <count>      hex dump a memory region
//	eb list                     list attached FT60x devices
//
// Addresses and values accept hex (0x...) or decimal.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sjalloq/ft601/internal/bridge"
	"github.com/sjalloq/ft601/internal/ft60x"
	"github.com/sjalloq/ft601/internal/logging"
)

func main() {
	logging.ConfigureRuntime()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "list":
		err = cmdList()
	case "probe":
		err = cmdProbe()
	case "read":
		if len(os.Args) < 3 {
			fatalf("read requires an address")
		}
		addr := parseU32(os.Args[2], "address")
		count := 1
		if len(os.Args) > 3 {
			count = parseCount(os.Args[3])
		}
		err = cmdRead(addr, count)
	case "write":
		if len(os.Args) < 4 {
			fatalf("write requires address and value")
		}
		err = cmdWrite(parseU32(os.Args[2], "address"), parseU32(os.Args[3], "value"))
	case "dump":
		if len(os.Args) < 4 {
			fatalf("dump requires address and count")
		}
		err = cmdDump(parseU32(os.Args[2], "address"), parseCount(os.Args[3]))
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fatalf("%v", err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `eb - direct register access via FT601

Usage:
  eb read <addr> [count]      Read one or more consecutive 32-bit registers
  eb write <addr> <value>     Write a 32-bit register
  eb probe                    Check if the bus responds
  eb dump <addr> <count>      Hex dump a memory region
  eb list                     List attached FT60x devices

Addresses and values can be hex (0x...) or decimal.

Examples:
  eb read 0x12345678
  eb write 0x12345678 0xdeadbeef
  eb dump 0x10000000 64`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "eb: %s\n", fmt.Sprintf(format, args...))
	os.Exit(1)
}

func parseU32(s, what string) uint32 {
	var v uint64
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = strconv.ParseUint(s[2:], 16, 32)
	} else {
		v, err = strconv.ParseUint(s, 10, 32)
	}
	if err != nil {
		fatalf("invalid %s %q: %v", what, s, err)
	}
	return uint32(v)
}

func parseCount(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		fatalf("invalid count %q", s)
	}
	return n
}

func openBridge() (*bridge.Bridge, error) {
	dev, err := ft60x.Open()
	if err != nil {
		return nil, err
	}
	return bridge.New(dev), nil
}

func cmdList() error {
	devices, err := ft60x.List()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No FT60x devices found")
		return nil
	}
	fmt.Printf("Found %d device(s):\n", len(devices))
	for i, desc := range devices {
		fmt.Printf("  [%d] %s\n", i, desc)
	}
	return nil
}

func cmdProbe() error {
	b, err := openBridge()
	if err != nil {
		return err
	}
	defer b.Close()

	ok, err := b.Probe()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "No response to probe")
		os.Exit(1)
	}
	fmt.Println("Device responded to probe")
	return nil
}

func cmdRead(addr uint32, count int) error {
	b, err := openBridge()
	if err != nil {
		return err
	}
	defer b.Close()

	if count == 1 {
		value, err := b.Read(addr)
		if err != nil {
			return err
		}
		fmt.Printf("0x%08x\n", value)
		return nil
	}

	values, err := b.ReadBurst(wordAddrs(addr, count))
	if err != nil {
		return err
	}
	for i, value := range values {
		fmt.Printf("0x%08x: 0x%08x\n", addr+uint32(i)*4, value)
	}
	return nil
}

func cmdWrite(addr, value uint32) error {
	b, err := openBridge()
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.Write(addr, value); err != nil {
		return err
	}
	fmt.Printf("Wrote 0x%08x to 0x%08x\n", value, addr)
	return nil
}

func cmdDump(addr uint32, count int) error {
	b, err := openBridge()
	if err != nil {
		return err
	}
	defer b.Close()

	values, err := b.ReadBurst(wordAddrs(addr, count))
	if err != nil {
		return err
	}

	// Four words per line, hex then ASCII of the little-endian bytes.
	for off := 0; off < len(values); off += 4 {
		line := values[off:min(off+4, len(values))]
		fmt.Printf("%08x:", addr+uint32(off)*4)
		for _, v := range line {
			fmt.Printf(" %08x", v)
		}
		for i := len(line); i < 4; i++ {
			fmt.Print("         ")
		}
		fmt.Print("  |")
		for _, v := range line {
			for shift := 0; shift < 32; shift += 8 {
				c := byte(v >> shift)
				if c >= 0x20 && c < 0x7f {
					fmt.Printf("%c", c)
				} else {
					fmt.Print(".")
				}
			}
		}
		fmt.Println("|")
	}
	return nil
}

func wordAddrs(base uint32, count int) []uint32 {
	addrs := make([]uint32, count)
	for i := range addrs {
		addrs[i] = base + uint32(i)*4
	}
	return addrs
}
