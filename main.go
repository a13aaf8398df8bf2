package main

import "github.com/jobsift/jobsift/cmd"

func main() {
	cmd.Execute()
}
