package tracer

// RegisterSet is the full general-purpose register file of a traced
// thread, including the instruction and stack pointers and the FS/GS
// segment bases thread-local storage depends on. Field order and
// width match the x86-64 ABI and the image codec's on-wire layout:
// each field is a 64-bit little-endian word.
type RegisterSet struct {
	R15, R14, R13, R12 uint64
	Rbp, Rbx           uint64
	R11, R10, R9, R8   uint64
	Rax, Rcx, Rdx, Rsi, Rdi uint64
	OrigRax            uint64
	Rip                uint64
	Cs                 uint64
	Eflags             uint64
	Rsp                uint64
	Ss                 uint64
	FsBase, GsBase     uint64
	Ds, Es, Fs, Gs     uint64
}

// fields returns pointers to every register in the fixed wire order,
// used by both the ptrace conversion below and the image codec's
// binary encoding.
func (r *RegisterSet) fields() []*uint64 {
	return []*uint64{
		&r.R15, &r.R14, &r.R13, &r.R12,
		&r.Rbp, &r.Rbx,
		&r.R11, &r.R10, &r.R9, &r.R8,
		&r.Rax, &r.Rcx, &r.Rdx, &r.Rsi, &r.Rdi,
		&r.OrigRax,
		&r.Rip, &r.Cs, &r.Eflags, &r.Rsp, &r.Ss,
		&r.FsBase, &r.GsBase,
		&r.Ds, &r.Es, &r.Fs, &r.Gs,
	}
}

// NumFields is the number of 64-bit words RegisterSet serializes to.
const NumFields = 27
