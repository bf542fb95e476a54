package gate

//go:generate go run ../../tools/kerntool gen-gates -out entries_amd64.s
