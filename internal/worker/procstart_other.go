//go:build !linux

package worker

func procStartFromProc(int) int64 { return 0 }
