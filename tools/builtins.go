package tools

func init() {
	MustRegisterTool("calculator", "Evaluate arithmetic expressions.", NewCalculator)
	MustRegisterTool("file_system", "Read, write and list files.", NewFileSystem)
}
