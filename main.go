// Command navigator runs the market snapshot crawler.
package main

import "github.com/JakeFAU/market-navigator/cmd"

func main() {
	cmd.Execute()
}
