// Command autobook proposes and books double-entry postings for expenses.
package main

import "github.com/ledgerflow/autobook/internal/cli"

func main() {
	cli.Execute()
}
