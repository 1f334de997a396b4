package isolate

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.starlark.net/starlark"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kuyruk-go/kuyruk/internal/logging"
)

// Init turns the current process into a config reader when it was started
// by Executor.Run. In that case it never returns. Otherwise it is a no-op.
func Init() {
	encoded, ok := os.LookupEnv(jobEnv)
	if !ok {
		return
	}
	os.Exit(runChild(encoded))
}

func runChild(encoded string) int {
	out := os.NewFile(resultFD, "result")

	var j job
	if err := yaml.Unmarshal([]byte(encoded), &j); err != nil {
		fmt.Fprintf(os.Stderr, "config reader: decode job: %v\n", err)
		_ = send(out, result{OK: false})
		_ = out.Close()
		return 1
	}

	logger, err := logging.New(j.LogLevel)
	if err != nil {
		logger, err = logging.New("")
		if err != nil {
			logger = zap.NewNop()
		}
	}
	logger = logger.With(zap.String("load_id", j.LoadID))
	defer func() {
		_ = logger.Sync()
	}()

	return serve(j, out, logger)
}

// serve executes the job and writes exactly one result to out.
func serve(j job, out io.WriteCloser, logger *zap.Logger) int {
	defer func() {
		_ = out.Close()
	}()

	logger.Debug("reading config from separate process",
		zap.String("kind", string(j.Kind)),
		zap.String("target", j.Name),
	)

	values, err := execute(j.target(), logger)
	if err != nil {
		fields := []zap.Field{
			zap.String("kind", string(j.Kind)),
			zap.String("target", j.Name),
			zap.Error(err),
		}
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			fields = append(fields, zap.String("backtrace", evalErr.Backtrace()))
		}
		logger.Error("cannot read config", fields...)
		if sendErr := send(out, result{OK: false}); sendErr != nil {
			logger.Error("cannot report config failure", zap.Error(sendErr))
		}
		return 1
	}

	if err := send(out, result{OK: true, Values: tagFloats(values)}); err != nil {
		logger.Error("cannot send config", zap.Error(err))
		return 1
	}
	logger.Debug("config read successfully", zap.Int("values", len(values)))
	return 0
}

func send(w io.Writer, msg result) error {
	data, err := yaml.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// floatValue is written with an explicit !!float tag so that whole numbers
// such as 5.0 decode as floats in the parent.
type floatValue float64

func (f floatValue) MarshalYAML() (any, error) {
	var node yaml.Node
	if err := node.Encode(float64(f)); err != nil {
		return nil, err
	}
	node.Tag = "!!float"
	return &node, nil
}

func tagFloats(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for name, value := range values {
		out[name] = tagFloat(value)
	}
	return out
}

func tagFloat(value any) any {
	switch v := value.(type) {
	case float64:
		return floatValue(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = tagFloat(item)
		}
		return out
	case map[string]any:
		return tagFloats(v)
	default:
		return value
	}
}
