package stm_test

import (
	"fmt"
	"log"

	"github.com/kolkov/dvstm/stm"
)

// Example demonstrates a complete transaction against the first segment.
func Example() {
	tm, err := stm.New(64, 8)
	if err != nil {
		log.Fatal(err)
	}
	defer tm.Destroy()

	tx := tm.Begin(false)
	if !tm.Write(tx, []byte("payload!"), tm.Start()) {
		return // aborted; the transaction has already been retired
	}
	tm.End(tx)

	ro := tm.Begin(true)
	buf := make([]byte, 8)
	tm.Read(ro, tm.Start(), buf)
	tm.End(ro)

	fmt.Printf("%s\n", buf)
	// Output: payload!
}

// ExampleTM_Alloc shows transactional allocation: the new segment becomes
// permanent only because the transaction commits.
func ExampleTM_Alloc() {
	tm, err := stm.New(64, 8)
	if err != nil {
		log.Fatal(err)
	}
	defer tm.Destroy()

	tx := tm.Begin(false)
	h, status := tm.Alloc(tx, 16)
	if status != stm.AllocSuccess {
		return
	}
	tm.Write(tx, []byte{0xCA, 0xFE, 0, 0, 0, 0, 0, 0}, h)
	tm.End(tx)

	ro := tm.Begin(true)
	buf := make([]byte, 8)
	tm.Read(ro, h, buf)
	tm.End(ro)

	fmt.Printf("%#x %#x\n", buf[0], buf[1])
	// Output: 0xca 0xfe
}

// ExampleGetInfo prints the library's static information.
func ExampleGetInfo() {
	info := stm.GetInfo()
	fmt.Println(info.MaxRWTx, info.MaxSegments)
	// Output: 63 63
}
