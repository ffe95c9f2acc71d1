// The main package for the sitecrawler executable.
package main

import (
	"github.com/JakeFAU/site-search-crawler/cmd"
)

func main() {
	cmd.Execute()
}
