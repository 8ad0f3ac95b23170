// SPDX-License-Identifier: Apache-2.0

package main

import "github.com/payu/k8ssaidentityextension/internal/cli"

func main() {
	cli.Execute()
}
