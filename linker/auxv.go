package linker

import "fmt"

const (
	atNull   = 0
	atPhdr   = 3
	atPhent  = 4
	atPhnum  = 5
	atPagesz = 6
	atBase   = 7
	atEntry  = 9

	// Upper bound on argv, envp and auxv walks.
	maxVectorWords = 4096
)

// Auxv is what the process loader left on the initial stack.
type Auxv struct {
	SP   uint32
	Argc uint32
	Argv uint32 // address of argv[0]
	Envp uint32 // address of envp[0]

	Phdr     uint32
	Phent    uint32
	Phnum    uint32
	PageSize uint32
	Base     uint32
	Entry    uint32
}

// ParseAuxv decodes argc, argv, envp and the auxiliary vector at sp.
// The stack is only read.
func ParseAuxv(m Memory, sp uint32) (Auxv, error) {
	a := Auxv{SP: sp}

	argc, err := readWord(m, sp)
	if err != nil {
		return a, fmt.Errorf("read argc: %w", err)
	}
	if argc > maxVectorWords {
		return a, fmt.Errorf("%w: argc %d", ErrMalformed, argc)
	}
	a.Argc = argc
	a.Argv = sp + wordSize

	a.Envp, err = skipVector(m, a.Argv)
	if err != nil {
		return a, fmt.Errorf("walk argv: %w", err)
	}
	auxv, err := skipVector(m, a.Envp)
	if err != nil {
		return a, fmt.Errorf("walk envp: %w", err)
	}

	for i := 0; ; i++ {
		if i >= maxVectorWords {
			return a, fmt.Errorf("%w: auxiliary vector is not terminated", ErrMalformed)
		}
		tag, err := readWord(m, auxv)
		if err != nil {
			return a, fmt.Errorf("read auxv tag: %w", err)
		}
		if tag == atNull {
			break
		}
		val, err := readWord(m, auxv+wordSize)
		if err != nil {
			return a, fmt.Errorf("read auxv value: %w", err)
		}
		switch tag {
		case atPhdr:
			a.Phdr = val
		case atPhent:
			a.Phent = val
		case atPhnum:
			a.Phnum = val
		case atPagesz:
			a.PageSize = val
		case atBase:
			a.Base = val
		case atEntry:
			a.Entry = val
		}
		auxv += 2 * wordSize
	}

	if a.Entry == 0 {
		return a, ErrNoEntry
	}
	return a, nil
}

// skipVector returns the address just past the NULL that ends the pointer
// array at addr.
func skipVector(m Memory, addr uint32) (uint32, error) {
	for i := 0; i < maxVectorWords; i++ {
		p, err := readWord(m, addr)
		if err != nil {
			return 0, err
		}
		addr += wordSize
		if p == 0 {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("%w: pointer array is not terminated", ErrMalformed)
}

// Args decodes the argument strings.
func (a Auxv) Args(m Memory) ([]string, error) {
	return readStrings(m, a.Argv)
}

// Env decodes the environment strings.
func (a Auxv) Env(m Memory) ([]string, error) {
	return readStrings(m, a.Envp)
}

func readStrings(m Memory, vec uint32) ([]string, error) {
	var out []string
	for i := 0; i < maxVectorWords; i++ {
		p, err := readWord(m, vec+uint32(i)*wordSize)
		if err != nil {
			return nil, err
		}
		if p == 0 {
			return out, nil
		}
		s, err := readString(m, p, 0, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return nil, fmt.Errorf("%w: pointer array is not terminated", ErrMalformed)
}
