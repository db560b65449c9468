package safetensors

func Fuzz(data []byte) int {
	f, err := OpenBytes(data, &Options{})
	if err != nil {
		return 0
	}
	defer f.Close()
	if err = f.Parse(); err != nil {
		return 0
	}
	if err = f.ValidateDataOffsets(); err != nil {
		return 0
	}
	return 1
}
