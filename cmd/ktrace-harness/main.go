// Command ktrace-harness is a small command-line client for exercising
// a running ktraced: it can drive a synthetic producer against the
// trace socket, or issue a single query against the query socket and
// print the result. It replaces the out-of-scope terminal UI
// (original_source/ktrace's ratatui app) with the minimal subset of its
// query_client.rs request/response behavior needed to poke the daemon
// from a shell.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"

	"github.com/oro-os/ktrace/pkg/queryproto"
	"github.com/oro-os/ktrace/pkg/traceproto"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "produce":
		runProduce(os.Args[2:])
	case "status":
		runQuery(os.Args[2:], queryproto.TypeGetStatus)
	case "count":
		runQuery(os.Args[2:], queryproto.TypeGetInstCount)
	case "tail":
		runQuery(os.Args[2:], queryproto.TypeGetTraceLog)
	case "stream":
		runStream(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ktrace-harness <produce|status|count|tail|stream> [flags]")
}

func runProduce(args []string) {
	fs := flag.NewFlagSet("produce", flag.ExitOnError)
	sock := fs.String("sock", traceproto.DefaultSocketPath, "trace socket path")
	id := fs.Uint("id", 1, "vcpu id")
	count := fs.Int("count", 1000, "number of synthetic instructions to emit")
	fs.Parse(args)

	conn, err := net.Dial("unix", *sock)
	fatalIf(err)
	defer conn.Close()

	fatalIf(traceproto.VcpuInit(uint32(*id)).Write(conn))
	fatalIf(traceproto.VcpuResume(uint32(*id)).Write(conn))

	rng := rand.New(rand.NewSource(int64(*id)))
	for i := 0; i < *count; i++ {
		addr := uint64(rng.Int63()) &^ (1 << 63)
		fatalIf(traceproto.Inst(addr).Write(conn))
	}

	fatalIf(traceproto.VcpuExit(uint32(*id)).Write(conn))
	fmt.Printf("vcpu %d: emitted %d instructions\n", *id, *count)
}

func runQuery(args []string, reqType queryproto.PacketType) {
	fs := flag.NewFlagSet(string(reqType), flag.ExitOnError)
	sock := fs.String("sock", queryproto.DefaultSocketPath, "query socket path")
	id := fs.Uint("id", 1, "vcpu id")
	count := fs.Uint64("count", 10, "tail-read count (tail only)")
	lowerHalf := fs.Bool("lower-half", false, "apply the LowerHalf filter (tail only)")
	fs.Parse(args)

	conn, err := net.Dial("unix", *sock)
	fatalIf(err)
	defer conn.Close()

	var filter *queryproto.TraceFilter
	if *lowerHalf {
		f := queryproto.FilterLowerHalf
		filter = &f
	}

	var req queryproto.Packet
	switch reqType {
	case queryproto.TypeGetStatus:
		req = queryproto.GetStatus(uint32(*id))
	case queryproto.TypeGetInstCount:
		req = queryproto.GetInstCount(uint32(*id))
	case queryproto.TypeGetTraceLog:
		req = queryproto.GetTraceLog(uint32(*id), *count, filter)
	}

	fatalIf(queryproto.Encode(conn, req))
	resp, err := queryproto.Decode(conn)
	fatalIf(err)

	printResponse(resp)
}

func runStream(args []string) {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	sock := fs.String("sock", queryproto.DefaultSocketPath, "query socket path")
	id := fs.Uint("id", 1, "vcpu id")
	lowerHalf := fs.Bool("lower-half", false, "apply the LowerHalf filter")
	fs.Parse(args)

	conn, err := net.Dial("unix", *sock)
	fatalIf(err)
	defer conn.Close()

	var filter *queryproto.TraceFilter
	if *lowerHalf {
		f := queryproto.FilterLowerHalf
		filter = &f
	}

	fatalIf(queryproto.Encode(conn, queryproto.OpenStream(uint32(*id), filter)))

	buf := make([]byte, 8)
	for {
		if _, err := readFull(conn, buf); err != nil {
			return
		}
		fmt.Printf("0x%016x\n", binary.LittleEndian.Uint64(buf))
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func printResponse(p queryproto.Packet) {
	switch p.Type {
	case queryproto.TypeStatus:
		fmt.Println(wireStatusName(p.Status))
	case queryproto.TypeInstCount:
		fmt.Println(p.InstCount)
	case queryproto.TypeTraceLog:
		for _, addr := range p.Addresses {
			fmt.Printf("0x%016x\n", addr)
		}
	case queryproto.TypeError:
		fmt.Fprintf(os.Stderr, "error: %s\n", p.Code)
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "unexpected response type %s\n", p.Type)
		os.Exit(1)
	}
}

func wireStatusName(s queryproto.ThreadStatus) string {
	switch s {
	case queryproto.StatusRunning:
		return "running"
	case queryproto.StatusDead:
		return "dead"
	default:
		return "idle"
	}
}

func fatalIf(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "ktrace-harness:", err)
		os.Exit(1)
	}
}
