package main

/*
#include "mitm_target.h"
*/
import "C"

//export Render
func Render(frame C.int) C.int {
	return C.mitm_call_Render(frame) + 1000
}
